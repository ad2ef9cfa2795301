// Package browser defines the contract between workers and the scraping
// engine. Workers decide what to fetch and what each outcome means for
// tasks, proxies, and state; the engine decides how pages are driven.
package browser

import (
	"context"
	"time"
)

// CatalogStatus classifies the outcome of a catalog crawl.
type CatalogStatus string

const (
	CatalogSuccess           CatalogStatus = "SUCCESS"
	CatalogEmpty             CatalogStatus = "EMPTY"
	CatalogProxyBlocked      CatalogStatus = "PROXY_BLOCKED"
	CatalogProxyAuthRequired CatalogStatus = "PROXY_AUTH_REQUIRED"
	CatalogCaptchaFailed     CatalogStatus = "CAPTCHA_FAILED"
	CatalogLoadTimeout       CatalogStatus = "LOAD_TIMEOUT"
	CatalogPageNotDetected   CatalogStatus = "PAGE_NOT_DETECTED"
	CatalogWrongPage         CatalogStatus = "WRONG_PAGE"
	CatalogServerUnavailable CatalogStatus = "SERVER_UNAVAILABLE"
)

// CardStatus classifies the outcome of a detail-page fetch.
type CardStatus string

const (
	CardSuccess           CardStatus = "SUCCESS"
	CardNotFound          CardStatus = "NOT_FOUND"
	CardProxyBlocked      CardStatus = "PROXY_BLOCKED"
	CardProxyAuthRequired CardStatus = "PROXY_AUTH_REQUIRED"
	CardCaptchaFailed     CardStatus = "CAPTCHA_FAILED"
	CardLoadTimeout       CardStatus = "LOAD_TIMEOUT"
	CardPageNotDetected   CardStatus = "PAGE_NOT_DETECTED"
	CardServerUnavailable CardStatus = "SERVER_UNAVAILABLE"
)

// ProxyBlocked reports whether the status means the current proxy is burnt
// and must be permanently blocked.
func (s CatalogStatus) ProxyBlocked() bool {
	return s == CatalogProxyBlocked || s == CatalogProxyAuthRequired
}

// ProxyBlocked reports whether the status means the current proxy is burnt.
func (s CardStatus) ProxyBlocked() bool {
	return s == CardProxyBlocked || s == CardProxyAuthRequired
}

// ServerError reports whether the status is a retryable upstream 5xx.
func (s CardStatus) ServerError() bool {
	return s == CardServerUnavailable
}

// Listing is one catalog search result card. Price is nil when the
// engine could not extract one; it is stored as NULL, never as zero.
type Listing struct {
	AvitoItemID   string   `json:"avito_item_id"`
	Title         string   `json:"title"`
	Price         *float64 `json:"price"`
	SnippetText   string   `json:"snippet_text"`
	SellerName    string   `json:"seller_name"`
	SellerID      string   `json:"seller_id"`
	SellerRating  float64  `json:"seller_rating"`
	SellerReviews int      `json:"seller_reviews"`
	ImageURLs     []string `json:"image_urls"`
}

// CatalogResult is what a catalog crawl produced. ResumePage is the next
// page to fetch when the crawl stopped early; the worker persists it as
// the task checkpoint before rotating proxies.
type CatalogResult struct {
	Status         CatalogStatus `json:"status"`
	Listings       []Listing     `json:"listings"`
	ProcessedPages int           `json:"processed_pages"`
	ResumePage     int           `json:"resume_page"`
	Details        string        `json:"details"`
}

// CardData is a parsed detail page.
type CardData struct {
	AvitoItemID     string            `json:"avito_item_id"`
	Title           string            `json:"title"`
	Price           float64           `json:"price"`
	SellerName      string            `json:"seller_name"`
	PublishedAt     time.Time         `json:"published_at"`
	Description     string            `json:"description"`
	LocationName    string            `json:"location_name"`
	Characteristics map[string]string `json:"characteristics"`
	ViewsTotal      int               `json:"views_total"`
	RawHTML         string            `json:"raw_html"`
}

// CardResult is what a detail-page fetch produced.
type CardResult struct {
	Status  CardStatus `json:"status"`
	Card    *CardData  `json:"card"`
	Details string     `json:"details"`
}

// ProxyConfig is the upstream proxy a session is bound to.
type ProxyConfig struct {
	Server   string
	Username string
	Password string
}

// Session is one live browser bound to one proxy. A session whose proxy
// goes bad is closed and replaced, never re-pointed.
type Session interface {
	// ParseCatalog crawls catalog pages for the query starting at
	// startPage. It stops at maxPages, on an empty page, or on the first
	// condition the worker must handle (proxy block, captcha, wrong page).
	ParseCatalog(ctx context.Context, query string, startPage, maxPages int) (*CatalogResult, error)

	// FetchCard loads one detail page and parses it.
	FetchCard(ctx context.Context, avitoItemID string) (*CardResult, error)

	// Reload re-fetches the current page. Used by the server-error retry
	// loop.
	Reload(ctx context.Context) (*CardResult, error)

	Close(ctx context.Context) error
}

// Driver creates proxy-bound sessions. The production implementation
// drives a real browser under Xvfb; tests substitute a fake.
type Driver interface {
	NewSession(ctx context.Context, proxy ProxyConfig, display string) (Session, error)
	Close(ctx context.Context) error
}
