// Package craig talks to the Craig recording service: session
// metadata, server-side render jobs, and artifact download.
package craig

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"voxpipe/internal/backend"
	"voxpipe/internal/domain"
)

const DefaultBaseURL = "https://craig.horse"

var recIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,16}$`)

// ParseInput extracts the recording id and key from a session
// reference: a share link with a /rec/ or /home/ path, or a bare id.
func ParseInput(s string) (id, key string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", fmt.Errorf("empty session reference")
	}
	if strings.Contains(s, "://") {
		u, perr := url.Parse(s)
		if perr != nil {
			return "", "", fmt.Errorf("invalid session link: %w", perr)
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		for i, p := range parts {
			if (p == "rec" || p == "home") && i+1 < len(parts) {
				id = parts[i+1]
				break
			}
		}
		if id == "" && len(parts) == 1 && recIDPattern.MatchString(parts[0]) {
			id = parts[0]
		}
		if id == "" {
			return "", "", fmt.Errorf("no recording id in link %q", s)
		}
		return id, u.Query().Get("key"), nil
	}
	if !recIDPattern.MatchString(s) {
		return "", "", fmt.Errorf("%q is not a recording id or share link", s)
	}
	return s, "", nil
}

// Client is a thin HTTP client for the recording service API.
type Client struct {
	BaseURL      string
	HTTPClient   *http.Client
	PollInterval time.Duration
	PollAttempts int
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		HTTPClient:   &http.Client{Timeout: 60 * time.Second},
		PollInterval: 2 * time.Second,
		PollAttempts: 300,
	}
}

type userInfo struct {
	Username string `json:"username"`
	Nick     string `json:"nick"`
}

type metadataResponse struct {
	Info struct {
		StartTime string     `json:"startTime"`
		Guild     string     `json:"guild"`
		Channel   string     `json:"channel"`
		Users     []userInfo `json:"users"`
	} `json:"info"`
	Users []userInfo `json:"users"`
}

// Metadata resolves session metadata for a recording.
func (c *Client) Metadata(ctx context.Context, id, key string) (domain.Recording, error) {
	var resp metadataResponse
	path := fmt.Sprintf("/api/v1/recordings/%s?key=%s", url.PathEscape(id), url.QueryEscape(key))
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return domain.Recording{}, err
	}
	users := resp.Info.Users
	if len(users) == 0 {
		users = resp.Users
	}
	rec := domain.Recording{
		ID:        id,
		Server:    resp.Info.Guild,
		Channel:   resp.Info.Channel,
		StartTime: resp.Info.StartTime,
	}
	for _, u := range users {
		name := u.Username
		if u.Nick != "" {
			name = u.Nick
		}
		rec.Users = append(rec.Users, name)
	}
	return rec, nil
}

// Duration returns the recording length in seconds.
func (c *Client) Duration(ctx context.Context, id, key string) (float64, error) {
	var resp struct {
		Duration float64 `json:"duration"`
	}
	path := fmt.Sprintf("/api/v1/recordings/%s/duration?key=%s", url.PathEscape(id), url.QueryEscape(key))
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return 0, err
	}
	return resp.Duration, nil
}

// JobOptions select how the service renders the session.
type JobOptions struct {
	Container string `json:"container"` // zip for per-track archives, mix for a single mixdown
	Format    string `json:"format"`
}

type jobState struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	OutputFileName string `json:"outputFileName"`
	Error          string `json:"error"`
}

type jobEnvelope struct {
	Job jobState `json:"job"`
}

// CreateJob starts a server-side render job for the recording.
func (c *Client) CreateJob(ctx context.Context, id, key string, opts JobOptions) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"type":    "recording",
		"options": opts,
	})
	path := fmt.Sprintf("/api/v1/recordings/%s/job?key=%s", url.PathEscape(id), url.QueryEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	var resp jobEnvelope
	if err := c.doJSON(req, &resp); err != nil {
		return "", err
	}
	return resp.Job.ID, nil
}

// GetJob reads the current render job state for the recording.
func (c *Client) GetJob(ctx context.Context, id, key string) (jobState, error) {
	var resp jobEnvelope
	path := fmt.Sprintf("/api/v1/recordings/%s/job?key=%s", url.PathEscape(id), url.QueryEscape(key))
	err := c.getJSON(ctx, path, &resp)
	return resp.Job, err
}

// DeleteJob cancels any render job running for the recording.
func (c *Client) DeleteJob(ctx context.Context, id, key string) error {
	path := fmt.Sprintf("/api/v1/recordings/%s/job?key=%s", url.PathEscape(id), url.QueryEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, nil)
}

func jobFinished(status string) bool {
	switch strings.ToLower(status) {
	case "finished", "complete", "completed", "done":
		return true
	}
	return false
}

func jobFailed(status string) bool {
	switch strings.ToLower(status) {
	case "error", "failed", "cancelled":
		return true
	}
	return false
}

// PollUntilReady polls the render job until it finishes, fails, or the
// attempt budget runs out.
func (c *Client) PollUntilReady(ctx context.Context, id, key string, progress backend.ProgressFunc) (jobState, error) {
	for attempt := 0; attempt < c.PollAttempts; attempt++ {
		job, err := c.GetJob(ctx, id, key)
		if err != nil {
			return jobState{}, err
		}
		if jobFinished(job.Status) {
			return job, nil
		}
		if jobFailed(job.Status) {
			msg := job.Error
			if msg == "" {
				msg = job.Status
			}
			return jobState{}, fmt.Errorf("render job failed: %s", msg)
		}
		if progress != nil {
			progress(-1, fmt.Sprintf("render job %s", job.Status))
		}
		select {
		case <-ctx.Done():
			return jobState{}, ctx.Err()
		case <-time.After(c.PollInterval):
		}
	}
	return jobState{}, fmt.Errorf("render job not ready after %d attempts", c.PollAttempts)
}

// Download streams /dl/<name> to dest, reporting percent progress when
// the server sends a content length.
func (c *Client) Download(ctx context.Context, name, dest string, progress backend.ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/dl/"+url.PathEscape(name), nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: artifact %s", backend.ErrNotFound, name)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("download %s: status %d", name, resp.StatusCode)
	}
	if resp.ContentLength > 0 {
		if free, ok := freeSpace(filepath.Dir(dest)); ok && free < resp.ContentLength {
			return fmt.Errorf("not enough disk space for %s: need %d bytes, %d free", name, resp.ContentLength, free)
		}
	}
	return copyWithProgress(dest, resp.Body, resp.ContentLength, progress)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", backend.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: recording or job", backend.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("recording key rejected (status %d)", resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server status %d", backend.ErrTransientNetwork, resp.StatusCode)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
