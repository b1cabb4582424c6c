// Package discord delivers job artifacts to webhook URLs and bot
// channels. Each destination is attempted independently; the caller
// gets a per-destination outcome list.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxpipe/internal/backend"
	"voxpipe/internal/domain"
)

const (
	DefaultAPIBase = "https://discord.com/api/v10"

	// maxMessageLen is Discord's content limit; longer content is
	// attached as a file instead.
	maxMessageLen = 2000
)

// Publisher implements backend.Publisher.
type Publisher struct {
	HTTPClient *http.Client
	APIBase    string
	BotToken   string
}

func NewPublisher(botToken string) *Publisher {
	return &Publisher{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		APIBase:    DefaultAPIBase,
		BotToken:   botToken,
	}
}

func (p *Publisher) Publish(ctx context.Context, req backend.PublishRequest) ([]domain.Delivery, error) {
	var deliveries []domain.Delivery

	for _, hook := range req.Webhooks {
		d := domain.Delivery{Destination: redactWebhook(hook), Kind: "webhook", OK: true}
		if err := p.send(ctx, hook, nil, req.Content, req.FilePath); err != nil {
			d.OK = false
			d.Error = err.Error()
		}
		deliveries = append(deliveries, d)
	}

	if req.ChannelID != "" {
		d := domain.Delivery{Destination: "channel:" + req.ChannelID, Kind: "channel", OK: true}
		endpoint := fmt.Sprintf("%s/channels/%s/messages", strings.TrimRight(p.APIBase, "/"), url.PathEscape(req.ChannelID))
		auth := map[string]string{"Authorization": "Bot " + p.BotToken}
		if err := p.send(ctx, endpoint, auth, req.Content, req.FilePath); err != nil {
			d.OK = false
			d.Error = err.Error()
		}
		deliveries = append(deliveries, d)
	}

	if len(deliveries) == 0 {
		return nil, fmt.Errorf("%w: no destinations", backend.ErrDeliveryFailed)
	}
	failed := 0
	for _, d := range deliveries {
		if !d.OK {
			failed++
		}
	}
	if failed > 0 {
		return deliveries, fmt.Errorf("%w: %d of %d destinations failed", backend.ErrDeliveryFailed, failed, len(deliveries))
	}
	return deliveries, nil
}

// send posts content (and optionally a file) to a single endpoint.
// Content over the message limit moves into the attachment.
func (p *Publisher) send(ctx context.Context, endpoint string, headers map[string]string, content, filePath string) error {
	if len(content) > maxMessageLen && filePath == "" {
		return p.sendMultipart(ctx, endpoint, headers, "", "message.txt", []byte(content))
	}
	if len(content) > maxMessageLen {
		content = content[:maxMessageLen-1] + "…"
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return err
		}
		return p.sendMultipart(ctx, endpoint, headers, content, filepath.Base(filePath), data)
	}

	body, _ := json.Marshal(map[string]string{"content": content})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return p.do(req)
}

func (p *Publisher) sendMultipart(ctx context.Context, endpoint string, headers map[string]string, content, fileName string, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	payload, _ := json.Marshal(map[string]string{"content": content})
	if err := mw.WriteField("payload_json", string(payload)); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("files[0]", fileName)
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return p.do(req)
}

func (p *Publisher) do(req *http.Request) error {
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// redactWebhook keeps enough of a webhook URL to identify it in job
// output without leaking its token.
func redactWebhook(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "webhook"
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	// Webhook paths end in <id>/<token>; drop the token.
	if len(parts) >= 2 {
		parts = parts[:len(parts)-1]
	}
	return u.Host + "/" + strings.Join(parts, "/")
}
