package amis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/auth"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/httpclient"
)

const (
	OpenTokenTTL = 36000 * time.Second
	// OpenPageLimit is the take size of dictionary sync
	OpenPageLimit = 100

	openTokenSource = "amis"
	connectPath     = "/api/oauth/actopen/connect"
	dictionaryPath  = "/apir/sync/actopen/get_dictionary"
)

// DictionaryType selects what get_dictionary returns
type DictionaryType int

const (
	DictionaryAccountObject DictionaryType = 1
	DictionaryInventoryItem DictionaryType = 2
	DictionaryStock         DictionaryType = 3
)

type OpenConfig struct {
	URL            string
	AppID          string
	AccessCode     string
	OrgCompanyCode string
}

// OpenClient calls the AMIS open API
type OpenClient struct {
	cfg    OpenConfig
	http   *httpclient.Client
	auth   *auth.Manager
	logger ectologger.Logger
}

func NewOpenClient(cfg OpenConfig, http *httpclient.Client, authManager *auth.Manager, logger ectologger.Logger) *OpenClient {
	return &OpenClient{cfg: cfg, http: http, auth: authManager, logger: logger}
}

// openResponse carries Data as a JSON-encoded string
type openResponse struct {
	Success      bool   `json:"Success"`
	ErrorCode    any    `json:"ErrorCode"`
	ErrorMessage string `json:"ErrorMessage"`
	Data         string `json:"Data"`
}

func (r *openResponse) decode(resp *httpclient.Response, what string, dest any) error {
	msg := "Error when getting " + what + " from Amis API"
	if err := resp.Check(msg); err != nil {
		return err
	}
	if err := resp.JSON(r); err != nil {
		return err
	}
	if !r.Success {
		return &httpclient.StatusError{StatusCode: resp.StatusCode, Body: string(resp.Body), What: msg}
	}
	if r.Data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(r.Data), dest); err != nil {
		return fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return nil
}

func (c *OpenClient) connect(ctx context.Context) (*auth.CachedToken, time.Duration, error) {
	resp, err := c.http.PostJSON(ctx, c.cfg.URL+connectPath, nil, map[string]string{
		"app_id":           c.cfg.AppID,
		"access_code":      c.cfg.AccessCode,
		"org_company_code": c.cfg.OrgCompanyCode,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", auth.ErrLoginFailed, err)
	}
	var data map[string]any
	var r openResponse
	if err := r.decode(resp, "access token", &data); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", auth.ErrLoginFailed, err)
	}
	token, err := auth.Extract(data, map[string]string{"token": "access_token"})
	if err != nil {
		return nil, 0, err
	}
	return token, OpenTokenTTL, nil
}

// Dictionary returns up to take records of a dictionary changed since lastSync.
func (c *OpenClient) Dictionary(ctx context.Context, kind DictionaryType, skip, take int, lastSync *time.Time) ([]map[string]any, error) {
	session, err := c.auth.Token(ctx, openTokenSource, c.connect)
	if err != nil {
		return nil, err
	}

	var since any
	if lastSync != nil {
		since = lastSync.Format("2006-01-02 15:04:05")
	}
	resp, err := c.http.PostJSON(ctx, c.cfg.URL+dictionaryPath, map[string]string{"X-MISA-AccessToken": session.Token}, map[string]any{
		"data_type":      int(kind),
		"branch_id":      nil,
		"skip":           skip,
		"take":           take,
		"app_id":         c.cfg.AppID,
		"last_sync_time": since,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get dictionary %d: %w", kind, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = c.auth.Invalidate(ctx, openTokenSource)
	}

	var out []map[string]any
	var r openResponse
	if err := r.decode(resp, fmt.Sprintf("dictionary %d", kind), &out); err != nil {
		return nil, err
	}
	return out, nil
}
