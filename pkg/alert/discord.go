package alert

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	var links []string
	for _, deal := range n.topDeals(5) {
		links = append(links, fmt.Sprintf("• [%s](%s) %.2f → %.2f %s", deal.Title, deal.URL, deal.OldPrice, deal.NewPrice, deal.Currency))
	}

	color := 0x2ECC71
	if n.Kind == KindCrawlFailed {
		color = 0xE74C3C
	}

	embed := map[string]any{
		"title":       fmt.Sprintf("%s %s", n.emoji(), n.Title),
		"url":         n.StoreURL,
		"description": strings.TrimSpace(fmt.Sprintf("**%s**\n%s\n\n%s", n.StoreName, n.Body, strings.Join(links, "\n"))),
		"color":       color,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}

	body, err := marshal(map[string]any{"embeds": []map[string]any{embed}})
	if err != nil {
		return err
	}
	if err := postJSON(ctx, d.client, d.webhookURL, body, nil); err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}
