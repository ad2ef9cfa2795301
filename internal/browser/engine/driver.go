// Package engine implements the browser driver against the scraping-engine
// sidecar. The sidecar owns the real browsers; this client creates
// proxy-bound sessions and relays crawl commands over its HTTP API.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.avitoscout.tech/internal/browser"
	"go.avitoscout.tech/internal/config"
)

// Driver talks to one scraping-engine instance.
type Driver struct {
	baseURL string
	client  *http.Client

	fields      []string
	includeHTML bool
	sort        string
	condition   string
	cardFields  []string
	cardHTML    bool
}

// NewDriver creates an engine driver from configuration.
func NewDriver(cfg *config.Config) *Driver {
	return &Driver{
		baseURL: cfg.Browser.EngineURL,
		client: &http.Client{
			// A catalog crawl can span many pages behind a slow proxy.
			Timeout: cfg.Browser.CommandTimeout,
		},
		fields:      cfg.Catalog.Fields,
		includeHTML: cfg.Catalog.IncludeHTML,
		sort:        cfg.Catalog.Sort,
		condition:   cfg.Catalog.Condition,
		cardFields:  cfg.Object.Fields,
		cardHTML:    cfg.Object.IncludeHTML,
	}
}

type createSessionRequest struct {
	Proxy   browserProxy `json:"proxy"`
	Display string       `json:"display,omitempty"`
}

type browserProxy struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// NewSession asks the engine to launch a browser bound to the proxy.
func (d *Driver) NewSession(ctx context.Context, proxy browser.ProxyConfig, display string) (browser.Session, error) {
	var resp createSessionResponse
	err := d.post(ctx, "/sessions", createSessionRequest{
		Proxy: browserProxy{
			Server:   proxy.Server,
			Username: proxy.Username,
			Password: proxy.Password,
		},
		Display: display,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("create engine session: %w", err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("create engine session: empty session id")
	}

	return &session{driver: d, id: resp.SessionID}, nil
}

// Close shuts the engine connection down. Sessions close individually.
func (d *Driver) Close(ctx context.Context) error {
	d.client.CloseIdleConnections()
	return nil
}

func (d *Driver) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("engine returned %d: %s", resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// session is one engine-side browser bound to one proxy.
type session struct {
	driver *Driver
	id     string
}

type parseCatalogRequest struct {
	Query       string   `json:"query"`
	StartPage   int      `json:"start_page"`
	MaxPages    int      `json:"max_pages"`
	Sort        string   `json:"sort,omitempty"`
	Condition   string   `json:"condition,omitempty"`
	Fields      []string `json:"fields,omitempty"`
	IncludeHTML bool     `json:"include_html"`
}

type fetchCardRequest struct {
	AvitoItemID string   `json:"avito_item_id"`
	Fields      []string `json:"fields,omitempty"`
	IncludeHTML bool     `json:"include_html"`
}

func (s *session) ParseCatalog(ctx context.Context, query string, startPage, maxPages int) (*browser.CatalogResult, error) {
	var result browser.CatalogResult
	err := s.driver.post(ctx, "/sessions/"+s.id+"/catalog", parseCatalogRequest{
		Query:       query,
		StartPage:   startPage,
		MaxPages:    maxPages,
		Sort:        s.driver.sort,
		Condition:   s.driver.condition,
		Fields:      s.driver.fields,
		IncludeHTML: s.driver.includeHTML,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *session) FetchCard(ctx context.Context, avitoItemID string) (*browser.CardResult, error) {
	var result browser.CardResult
	err := s.driver.post(ctx, "/sessions/"+s.id+"/card", fetchCardRequest{
		AvitoItemID: avitoItemID,
		Fields:      s.driver.cardFields,
		IncludeHTML: s.driver.cardHTML,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *session) Reload(ctx context.Context) (*browser.CardResult, error) {
	var result browser.CardResult
	if err := s.driver.post(ctx, "/sessions/"+s.id+"/reload", struct{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *session) Close(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		s.driver.baseURL+"/sessions/"+s.id, nil)
	if err != nil {
		return fmt.Errorf("build close request: %w", err)
	}

	resp, err := s.driver.client.Do(req)
	if err != nil {
		// A session the engine already lost is as good as closed.
		slog.Warn("Engine session close failed", "session_id", s.id, "error", err)
		return nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}
