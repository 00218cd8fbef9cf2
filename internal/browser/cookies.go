package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/playwright-community/playwright-go"
)

// CookieFile persists browser cookies between sessions as JSON.
type CookieFile struct {
	path string
}

type storedCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HttpOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

func NewCookieFile(path string) *CookieFile {
	return &CookieFile{path: path}
}

func (f *CookieFile) Path() string { return f.path }

// Save writes cookies to a temp file next to the target and renames it
// into place.
func (f *CookieFile) Save(cookies []playwright.Cookie) error {
	stored := make([]storedCookie, 0, len(cookies))
	for _, c := range cookies {
		stored = append(stored, fromPlaywright(c))
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cookies: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".cookies-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp cookie file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write cookies: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close cookie file: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace cookie file: %w", err)
	}
	return nil
}

// Load returns the checkpointed cookies. A missing file is not an error.
func (f *CookieFile) Load() ([]playwright.OptionalCookie, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cookie file: %w", err)
	}

	var stored []storedCookie
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode cookie file: %w", err)
	}

	out := make([]playwright.OptionalCookie, 0, len(stored))
	for _, c := range stored {
		out = append(out, c.toOptional())
	}
	return out, nil
}

func fromPlaywright(c playwright.Cookie) storedCookie {
	sc := storedCookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  c.Expires,
		HttpOnly: c.HttpOnly,
		Secure:   c.Secure,
	}
	if c.SameSite != nil {
		sc.SameSite = string(*c.SameSite)
	}
	return sc
}

func (c storedCookie) toOptional() playwright.OptionalCookie {
	oc := playwright.OptionalCookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   playwright.String(c.Domain),
		Path:     playwright.String(c.Path),
		HttpOnly: playwright.Bool(c.HttpOnly),
		Secure:   playwright.Bool(c.Secure),
	}
	// session cookies carry -1
	if c.Expires > 0 {
		oc.Expires = playwright.Float(c.Expires)
	}
	if c.SameSite != "" {
		ss := playwright.SameSiteAttribute(c.SameSite)
		oc.SameSite = &ss
	}
	return oc
}
