// Package pancake extracts page customers, conversations and messages from the
// Pancake public page API.
package pancake

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/Gobusters/ectologger"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/httpclient"
)

const (
	DefaultURL = "https://pages.fm/api/public_api/v1"
	// PageSize is the page size of the customer listing
	PageSize = 100
)

// Page is the per-page access a request is made with
type Page struct {
	ID          string
	AccessToken string
}

type Client struct {
	baseURL string
	http    *httpclient.Client
	logger  ectologger.Logger
}

// NewClient returns a client for baseURL, DefaultURL when empty.
func NewClient(baseURL string, http *httpclient.Client, logger ectologger.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{baseURL: baseURL, http: http, logger: logger}
}

func (c *Client) list(ctx context.Context, page Page, path, key, what string, params url.Values) ([]map[string]any, error) {
	params.Set("page_access_token", page.AccessToken)
	resp, err := c.http.Get(ctx, fmt.Sprintf("%s/pages/%s%s", c.baseURL, url.PathEscape(page.ID), path), params, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}
	if err := resp.Check("Error when getting list " + what + " from Pancake"); err != nil {
		c.logger.WithContext(ctx).WithError(err).Error("pancake request failed")
		return nil, err
	}
	var body map[string][]map[string]any
	if err := resp.JSON(&body); err != nil {
		return nil, err
	}
	return body[key], nil
}

// PageCustomers returns one page of customers updated in [since, until] (unix seconds).
func (c *Client) PageCustomers(ctx context.Context, page Page, since, until int64, pageNumber int) ([]map[string]any, error) {
	return c.list(ctx, page, "/page_customers", "customers", "customers", url.Values{
		"since":       {strconv.FormatInt(since, 10)},
		"until":       {strconv.FormatInt(until, 10)},
		"page_number": {strconv.Itoa(pageNumber)},
		"page_size":   {strconv.Itoa(PageSize)},
		"order_by":    {"updated_at"},
	})
}

// Conversations returns the conversations after lastID, the first page when empty.
func (c *Client) Conversations(ctx context.Context, page Page, since, until int64, lastID string) ([]map[string]any, error) {
	params := url.Values{
		"since":    {strconv.FormatInt(since, 10)},
		"until":    {strconv.FormatInt(until, 10)},
		"order_by": {"updated_at"},
	}
	if lastID != "" {
		params.Set("last_conversation_id", lastID)
	}
	return c.list(ctx, page, "/conversations", "conversations", "conversations", params)
}

// Messages returns messages of a conversation, skipping the first currentCount.
func (c *Client) Messages(ctx context.Context, page Page, conversationID string, currentCount int) ([]map[string]any, error) {
	params := url.Values{}
	if currentCount > 0 {
		params.Set("current_count", strconv.Itoa(currentCount))
	}
	return c.list(ctx, page, "/conversations/"+url.PathEscape(conversationID)+"/messages", "messages", "messages", params)
}
