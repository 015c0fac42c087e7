package alert

import (
	"context"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/httpclient"
)

// Discord posts to a channel webhook.
type Discord struct {
	webhookURL string
	http       *httpclient.Client
}

func NewDiscord(webhookURL string, client *httpclient.Client) *Discord {
	return &Discord{webhookURL: webhookURL, http: client}
}

func (d *Discord) Notify(ctx context.Context, message string) error {
	resp, err := d.http.PostJSON(ctx, d.webhookURL, nil, map[string]string{"content": message})
	if err != nil {
		return err
	}
	return resp.Check("discord webhook")
}

func (d *Discord) Name() string { return "discord" }
