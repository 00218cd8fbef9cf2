package parser

import (
	"github.com/maltedev/vendor-feeds/internal/models"
)

type Parser interface {
	ParseProductPage(html string, asin string) (*models.Observation, error)
	DetectPage(html string, status int) PageKind
}

// PageKind is the coarse classification of a loaded detail page.
type PageKind int

const (
	PageUnknown PageKind = iota
	PageProduct
	PageNotFound
	PageCaptcha
	PageError
)

func (k PageKind) String() string {
	switch k {
	case PageProduct:
		return "product"
	case PageNotFound:
		return "not_found"
	case PageCaptcha:
		return "captcha"
	case PageError:
		return "error"
	}
	return "unknown"
}

// Invalid reports whether the page should short-circuit to an InvalidPage
// observation.
func (k PageKind) Invalid() bool {
	return k == PageNotFound || k == PageCaptcha || k == PageError
}
