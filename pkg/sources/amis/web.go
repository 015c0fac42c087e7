// Package amis extracts stocks and supply goods from the AMIS accounting web API
// and dictionaries from the AMIS open API.
package amis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/auth"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/docstore"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/httpclient"
)

const (
	// WebPageLimit is the page size of the web list endpoints
	WebPageLimit = 20
	// WebTokenTTL applies when the login response carries no expiry
	WebTokenTTL = 36000 * time.Second

	// LoadModeList returns rows, LoadModeCount only the total
	LoadModeList  = 2
	LoadModeCount = 3

	webTokenSource = "amis_web"
	webLoginPath   = "/g2/api/auth/v1/account/login/misa_id"
	stocksPath     = "/g2/api/di/v1/stock/paging_filter"
	itemsPath      = "/g2/api/db/v1/list/get_data"

	// ConfigCollection keeps the session context returned at login
	ConfigCollection = "amis_config"
	configDocID      = "login"
	extraContext     = "context"
)

type WebConfig struct {
	URL string
	// LoginPayload is the raw misa_id login body
	LoginPayload string
	// LoginHeaders are sent on login and replayed on every call
	LoginHeaders map[string]string
	// Branch scopes the inventory item listing
	Branch string
}

// Page is one page of a web list endpoint
type Page struct {
	Total    int              `json:"Total"`
	PageData []map[string]any `json:"PageData"`
}

// WebClient calls the AMIS web API the way the browser app does
type WebClient struct {
	cfg       WebConfig
	http      *httpclient.Client
	auth      *auth.Manager
	docs      docstore.Store
	cachingDB string
	logger    ectologger.Logger
}

func NewWebClient(cfg WebConfig, http *httpclient.Client, authManager *auth.Manager, docs docstore.Store, cachingDB string, logger ectologger.Logger) *WebClient {
	return &WebClient{cfg: cfg, http: http, auth: authManager, docs: docs, cachingDB: cachingDB, logger: logger}
}

// ParseHeaders decodes a JSON object of header values
func ParseHeaders(raw string) (map[string]string, error) {
	headers := map[string]string{}
	if raw == "" {
		return headers, nil
	}
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil, fmt.Errorf("invalid amis web headers: %w", err)
	}
	return headers, nil
}

type webLoginResponse struct {
	Data map[string]any `json:"Data"`
}

func (c *WebClient) login(ctx context.Context) (*auth.CachedToken, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+webLoginPath, bytes.NewReader([]byte(c.cfg.LoginPayload)))
	if err != nil {
		return nil, 0, err
	}
	for k, v := range c.cfg.LoginHeaders {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", auth.ErrLoginFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("%w: %w", auth.ErrLoginFailed, resp.Check("Error when getting access token from Amis Web API"))
	}
	var body webLoginResponse
	if err := resp.JSON(&body); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", auth.ErrLoginFailed, err)
	}
	if len(body.Data) == 0 {
		return nil, 0, fmt.Errorf("%w: empty login data: %s", auth.ErrLoginFailed, resp.Body)
	}

	token, err := auth.Extract(body.Data, map[string]string{
		"token":   "AccessToken.Token",
		"expires": "AccessToken.TokenExpired",
	})
	if err != nil {
		return nil, 0, err
	}
	ttl := WebTokenTTL
	if secs, err := strconv.ParseFloat(token.Get("expires"), 64); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	delete(token.Extra, "expires")

	session := make(map[string]any, len(body.Data))
	for k, v := range body.Data {
		if k != "AccessToken" {
			session[k] = v
		}
	}
	if err := c.docs.UpsertByID(ctx, c.cachingDB, ConfigCollection, configDocID, session); err != nil {
		return nil, 0, err
	}

	misaCtx, _ := body.Data["Context"].(map[string]any)
	if misaCtx == nil {
		misaCtx = map[string]any{}
	}
	misaCtx["Language"] = "vi"
	raw, err := json.Marshal(misaCtx)
	if err != nil {
		return nil, 0, err
	}
	token.Extra[extraContext] = string(raw)
	return token, ttl, nil
}

func (c *WebClient) headers(ctx context.Context, referer string) (map[string]string, error) {
	session, err := c.auth.Token(ctx, webTokenSource, c.login)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(c.cfg.LoginHeaders)+4)
	for k, v := range c.cfg.LoginHeaders {
		headers[k] = v
	}
	headers["Authorization"] = "Bearer " + session.Token
	headers["X-MISA-Context"] = session.Get(extraContext)
	headers["Origin"] = c.cfg.URL
	headers["Referer"] = c.cfg.URL + referer
	return headers, nil
}

func (c *WebClient) page(ctx context.Context, path, referer, what string, body any) (*Page, error) {
	headers, err := c.headers(ctx, referer)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.PostJSON(ctx, c.cfg.URL+path, headers, body)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = c.auth.Invalidate(ctx, webTokenSource)
	}
	if err := resp.Check("Error when getting " + what + " from Amis Web API"); err != nil {
		return nil, err
	}
	var out struct {
		Data *Page `json:"Data"`
	}
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return &Page{}, nil
	}
	return out.Data, nil
}

// Stocks lists warehouses; LoadModeCount fills only Total
func (c *WebClient) Stocks(ctx context.Context, page, loadMode int) (*Page, error) {
	return c.page(ctx, stocksPath, "/app/DI/DIStock", "stocks", map[string]any{
		"sort":      `[{"property":"stock_code","desc":false}]`,
		"pageIndex": page,
		"pageSize":  WebPageLimit,
		"useSp":     false,
		"view":      "view_di_stock",
		"loadMode":  loadMode,
	})
}

// InventoryItems lists supply goods; LoadModeCount fills only Total
func (c *WebClient) InventoryItems(ctx context.Context, page, loadMode int) (*Page, error) {
	return c.page(ctx, itemsPath, "/app/DI/DIInventoryItems", "inventory items", map[string]any{
		"stockItemState":           -1,
		"isPostToManagementBook":   0,
		"isIncludeDependentBranch": true,
		"isFilter":                 false,
		"sort":                     `[{"property":"inventory_item_code","desc":false}]`,
		"pageIndex":                page,
		"pageSize":                 WebPageLimit,
		"useSp":                    false,
		"view":                     "view_di_inventory_item",
		"summaryColumns":           ",closing_amount",
		"dataType":                 "di_inventory_item",
		"isGetTotal":               true,
		"is_filter_branch":         false,
		"current_branch":           c.cfg.Branch,
		"is_multi_branch":          false,
		"is_dependent":             true,
		"loadMode":                 loadMode,
	})
}
