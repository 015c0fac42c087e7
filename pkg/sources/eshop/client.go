// Package eshop extracts invoices, invoice details and inventory items from the
// eshop (MShopKeeper) open API.
package eshop

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/auth"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/httpclient"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/timeutil"
)

const (
	// PageLimit is the page size of every paged endpoint
	PageLimit = 100
	TokenTTL  = 43200 * time.Second

	tokenSource    = "eshop"
	extraCompany   = "company_code"
	extraEnv       = "environment"
	loginPath      = "/auth/api/account/login"
	invoicesPath   = "/api/v1/invoices/pagingbycustomer"
	detailPath     = "/api/v1/invoices/detailbyrefid"
	inventoryPath  = "/api/v1/inventoryitems/pagingwithdetail"
	syncDateLayout = "2006-01-02 15:04:05"
)

// ErrAPI is returned when a 200 response carries a non-zero ErrorType
var ErrAPI = errors.New("eshop api error")

type Config struct {
	URL       string
	AppID     string
	Domain    string
	SecretKey string
}

// Client calls the eshop API with a cached, HMAC-signed session
type Client struct {
	cfg    Config
	http   *httpclient.Client
	auth   *auth.Manager
	now    func() time.Time
	logger ectologger.Logger
}

func NewClient(cfg Config, http *httpclient.Client, authManager *auth.Manager, logger ectologger.Logger) *Client {
	return &Client{cfg: cfg, http: http, auth: authManager, now: time.Now, logger: logger}
}

type loginParams struct {
	AppID     string `json:"AppID"`
	Domain    string `json:"Domain"`
	LoginTime string `json:"LoginTime"`
}

type loginRequest struct {
	loginParams
	SignatureInfo string `json:"SignatureInfo"`
}

// envelope wraps every eshop response body
type envelope struct {
	Code         int             `json:"Code"`
	ErrorType    int             `json:"ErrorType"`
	ErrorMessage string          `json:"ErrorMessage"`
	Data         json.RawMessage `json:"Data"`
}

// Signature is the hex HMAC-SHA256 of the compact login JSON
func Signature(secret string, params loginParams) (string, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (c *Client) login(ctx context.Context) (*auth.CachedToken, time.Duration, error) {
	params := loginParams{AppID: c.cfg.AppID, Domain: c.cfg.Domain, LoginTime: timeutil.NowISO(c.now())}
	sig, err := Signature(c.cfg.SecretKey, params)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to sign login: %w", err)
	}

	resp, err := c.http.PostJSON(ctx, c.cfg.URL+loginPath, nil, loginRequest{loginParams: params, SignatureInfo: sig})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", auth.ErrLoginFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("%w: %w", auth.ErrLoginFailed, resp.Check("Error when getting access token"))
	}

	var body map[string]any
	if err := resp.JSON(&body); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", auth.ErrLoginFailed, err)
	}
	if code, _ := body["ErrorType"].(float64); code != 0 {
		return nil, 0, fmt.Errorf("%w: ErrorType %v: %v", auth.ErrLoginFailed, code, body["ErrorMessage"])
	}

	token, err := auth.Extract(body, map[string]string{
		"token":      "Data.AccessToken",
		extraCompany: "Data.CompanyCode",
		extraEnv:     "Data.Environment",
	})
	if err != nil {
		return nil, 0, err
	}
	return token, TokenTTL, nil
}

func (c *Client) session(ctx context.Context) (*auth.CachedToken, error) {
	return c.auth.Token(ctx, tokenSource, c.login)
}

// post calls an environment-scoped endpoint and decodes Data into dest
func (c *Client) post(ctx context.Context, path, what string, body, dest any) error {
	session, err := c.session(ctx)
	if err != nil {
		return err
	}

	headers := map[string]string{
		"Authorization": "Bearer " + session.Token,
		"CompanyCode":   session.Get(extraCompany),
	}
	url := fmt.Sprintf("%s/%s%s", c.cfg.URL, session.Get(extraEnv), path)

	resp, err := c.http.PostJSON(ctx, url, headers, body)
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", what, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		if err := c.auth.Invalidate(ctx, tokenSource); err != nil {
			c.logger.WithContext(ctx).WithError(err).Warnf("Failed to drop %s token", tokenSource)
		}
	}
	if err := resp.Check("Error when getting " + what); err != nil {
		return err
	}

	var env envelope
	if err := resp.JSON(&env); err != nil {
		return err
	}
	if env.ErrorType != 0 {
		return fmt.Errorf("%w: getting %s: ErrorType %d: %s", ErrAPI, what, env.ErrorType, env.ErrorMessage)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return nil
}

// Invoices returns one page of invoices dated between from and to (UTC ISO)
func (c *Client) Invoices(ctx context.Context, page int, from, to string) ([]map[string]any, error) {
	body := map[string]any{
		"Page":          page,
		"Limit":         PageLimit,
		"SortField":     "InvoiceDate",
		"SortType":      1,
		"FromDate":      from,
		"ToDate":        to,
		"DateRangeType": 1,
	}
	var out []map[string]any
	if err := c.post(ctx, invoicesPath, "invoices", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InvoiceDetail returns the invoice with its line items
func (c *Client) InvoiceDetail(ctx context.Context, refID string) (map[string]any, error) {
	out := map[string]any{}
	if err := c.post(ctx, detailPath, "invoice details", map[string]any{"RefID": refID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InventoryItems returns one page of items changed since lastSync; a nil lastSync reads everything.
func (c *Client) InventoryItems(ctx context.Context, page int, lastSync *time.Time) ([]map[string]any, error) {
	var since any
	if lastSync != nil {
		since = lastSync.Format(syncDateLayout)
	}
	body := map[string]any{
		"Page":                    page,
		"Limit":                   PageLimit,
		"SortField":               "Code",
		"SortType":                "1",
		"IncludeInventory":        true,
		"InventoryItemCategoryID": nil,
		"LastSyncDate":            since,
	}
	var out []map[string]any
	if err := c.post(ctx, inventoryPath, "inventory items", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}
