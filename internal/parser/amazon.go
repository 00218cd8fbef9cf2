package parser

import (
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/vendor-feeds/internal/models"
)

// Selectors shared with the live page capture.
var (
	ContainerSelectors = []string{"#dp-container", "#ppd", "#centerCol"}
	CaptchaSelectors   = []string{"#captchacharacters", "form[action*='Captcha']"}
)

var (
	orderableSelectors = []string{
		"#add-to-cart-button",
		"#buy-now-button",
		"input[name='submit.add-to-cart']",
		"input[name='submit.buy-now']",
	}

	unavailablePhrases = []string{
		"currently unavailable",
		"temporarily out of stock",
		"out of stock",
		"no longer available",
		"we don't know when or if this item will be back",
	}

	backOrderPhrases = []string{
		"usually ships within",
		"available to ship",
		"will be released on",
		"pre-order",
	}

	errorPagePhrases = []string{
		"page not found",
		"looking for something?",
		"dogs of amazon",
	}

	lowStockPattern = regexp.MustCompile(`(?i)only\s+(\d+)\s+left\s+in\s+stock`)
	rankPattern     = regexp.MustCompile(`#\s?([\d,.]+)\s+in\s+([^(#\n]+)`)
	spacePattern    = regexp.MustCompile(`\s+`)
)

// rule pairs a selector with the extractor applied to its first match.
type rule struct {
	selector string
	extract  func(*goquery.Selection) string
}

func textOf(s *goquery.Selection) string {
	return cleanText(s.Text())
}

func firstValue(doc *goquery.Document, rules []rule) string {
	for _, r := range rules {
		sel := doc.Find(r.selector).First()
		if sel.Length() == 0 {
			continue
		}
		if v := r.extract(sel); v != "" {
			return v
		}
	}
	return ""
}

type AmazonParser struct {
	titleRules        []rule
	availabilityRules []rule
	sellerRules       []rule
	buyBoxPriceRules  []rule
	pagePriceRules    []rule
	logger            *slog.Logger
}

func NewAmazonParser() *AmazonParser {
	return &AmazonParser{
		titleRules: []rule{
			{"#productTitle", textOf},
			{"#title", textOf},
		},
		availabilityRules: []rule{
			{"#availability", textOf},
			{"#outOfStock", textOf},
			{"#availability_feature_div", textOf},
			{"#buybox-see-all-buying-choices", textOf},
		},
		sellerRules: []rule{
			{"#merchant-info", textOf},
			{"#tabular-buybox .tabular-buybox-text[tabular-attribute-name='Sold by']", textOf},
			{"#sellerProfileTriggerId", textOf},
			{"#merchantInfoFeature_feature_div .offer-display-feature-text", textOf},
		},
		buyBoxPriceRules: []rule{
			{"#corePrice_feature_div .a-price .a-offscreen", textOf},
			{"#corePriceDisplay_desktop_feature_div .a-price .a-offscreen", textOf},
			{"#price_inside_buybox", textOf},
			{"#newBuyBoxPrice", textOf},
			{"#buybox .a-price .a-offscreen", textOf},
		},
		pagePriceRules: []rule{
			{"#priceblock_ourprice", textOf},
			{"#priceblock_dealprice", textOf},
			{"#priceblock_saleprice", textOf},
			{".a-price .a-offscreen", textOf},
		},
		logger: slog.Default().With("component", "parser"),
	}
}

// WithLogger replaces the logger used to report degraded sub-steps.
func (p *AmazonParser) WithLogger(logger *slog.Logger) *AmazonParser {
	p.logger = logger.With("component", "parser")
	return p
}

// ParseProductPage extracts one observation from a rendered detail page.
// A failing sub-step leaves its field at the default value.
func (p *AmazonParser) ParseProductPage(html string, asin string) (*models.Observation, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	obs := models.NewObservation(asin)

	var orderable bool
	p.step(asin, "title", func() { obs.Title = firstValue(doc, p.titleRules) })
	p.step(asin, "orderable", func() { orderable = p.extractOrderable(doc) })
	p.step(asin, "availability", func() {
		obs.Availability, obs.StockNote = p.classifyAvailability(doc, orderable)
	})
	if obs.Availability == "" {
		obs.Availability = models.AvailabilityUnavailable
	}

	if orderable && obs.Availability != models.AvailabilityUnavailable {
		p.step(asin, "seller", func() { obs.SellerClass = p.classifySeller(doc) })
	}

	if obs.Availability != models.AvailabilityUnavailable {
		p.step(asin, "price", func() {
			if price := p.extractPrice(doc); price != "" {
				obs.Price = price
			}
		})
	}
	p.step(asin, "rank", func() { obs.Rank = p.extractRank(doc) })

	return obs, nil
}

// DetectPage classifies a page before any field extraction runs.
func (p *AmazonParser) DetectPage(html string, status int) PageKind {
	if status == http.StatusNotFound {
		return PageNotFound
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return PageUnknown
	}

	for _, sel := range CaptchaSelectors {
		if doc.Find(sel).Length() > 0 {
			return PageCaptcha
		}
	}
	if IsCaptchaTitle(doc.Find("title").First().Text()) {
		return PageCaptcha
	}

	for _, sel := range ContainerSelectors {
		if doc.Find(sel).Length() > 0 {
			return PageProduct
		}
	}

	if IsErrorText(doc.Find("body").Text()) {
		return PageError
	}
	return PageUnknown
}

// IsCaptchaTitle reports whether a document title belongs to the robot check.
func IsCaptchaTitle(title string) bool {
	return strings.Contains(strings.ToLower(title), "robot check")
}

// IsErrorText reports whether visible page text matches a known error page.
func IsErrorText(text string) bool {
	return matchesAny(strings.ToLower(text), errorPagePhrases)
}

func (p *AmazonParser) step(asin, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("extraction step failed", "asin", asin, "step", name, "panic", r)
		}
	}()
	fn()
}

func (p *AmazonParser) extractOrderable(doc *goquery.Document) bool {
	for _, sel := range orderableSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

// classifyAvailability applies the phrase lists in precedence order:
// unavailable, low stock, back-order, then in-stock or orderable.
func (p *AmazonParser) classifyAvailability(doc *goquery.Document, orderable bool) (models.Availability, string) {
	text := firstValue(doc, p.availabilityRules)
	lower := strings.ToLower(text)

	if matchesAny(lower, unavailablePhrases) {
		return models.AvailabilityUnavailable, text
	}

	if m := lowStockPattern.FindStringSubmatch(text); m != nil {
		return models.AvailabilityInStock, "Low Stock: " + m[1]
	}

	if matchesAny(lower, backOrderPhrases) {
		return models.AvailabilityBackOrder, text
	}

	if strings.Contains(lower, "in stock") || orderable {
		return models.AvailabilityInStock, text
	}

	return models.AvailabilityUnavailable, text
}

func (p *AmazonParser) classifySeller(doc *goquery.Document) models.SellerClass {
	text := strings.ToLower(firstValue(doc, p.sellerRules))
	switch {
	case text == "":
		return models.SellerUnknown
	case strings.Contains(text, "sold by amazon"), strings.HasPrefix(text, "amazon"):
		return models.SellerFirstParty
	default:
		return models.SellerThirdParty
	}
}

func (p *AmazonParser) extractPrice(doc *goquery.Document) string {
	if price := firstValue(doc, p.buyBoxPriceRules); price != "" {
		return price
	}
	return firstValue(doc, p.pagePriceRules)
}

func (p *AmazonParser) extractRank(doc *goquery.Document) string {
	var rank string

	doc.Find("#productDetails_detailBullets_sections1 tr, #detailBulletsWrapper_feature_div li, #SalesRank, #prodDetails tr").
		EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := cleanText(s.Text())
			if !strings.Contains(strings.ToLower(text), "best sellers rank") {
				return true
			}
			rank = normalizeRank(text)
			return rank == ""
		})

	return rank
}

func normalizeRank(text string) string {
	m := rankPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	number := strings.NewReplacer(",", "", ".", "").Replace(m[1])
	return fmt.Sprintf("#%s in %s", number, strings.TrimSpace(m[2]))
}

func matchesAny(lower string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func cleanText(s string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}
