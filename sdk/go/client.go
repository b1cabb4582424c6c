package voxpipesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"voxpipe/internal/domain"
)

// Client is a minimal voxpipe HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// SubmitRequest mirrors the POST /v0/jobs body.
type SubmitRequest struct {
	Input   string   `json:"input,omitempty"`
	Key     string   `json:"key,omitempty"`
	Actions []string `json:"actions"`

	TrackPaths     []string `json:"track_paths,omitempty"`
	MixedPath      string   `json:"mixed_path,omitempty"`
	TranscriptPath string   `json:"transcript_path,omitempty"`

	FileType string `json:"file_type,omitempty"`
	Mix      string `json:"mix,omitempty"`

	FinalFormat string `json:"final_format,omitempty"`
	Bitrate     string `json:"bitrate,omitempty"`

	TranscribeMode    string `json:"transcribe_mode,omitempty"`
	TranscribeBackend string `json:"transcribe_backend,omitempty"`
	TranscribeModel   string `json:"transcribe_model,omitempty"`
	Language          string `json:"language,omitempty"`

	SummaryStyle string `json:"summary_style,omitempty"`

	Channel      string `json:"channel,omitempty"`
	Webhooks     string `json:"webhooks,omitempty"`
	PostArtifact string `json:"post_artifact,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit enqueues a new job.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	var resp domain.Job
	err := c.do(ctx, http.MethodPost, "v0/jobs", req, &resp)
	return resp, err
}

// Job fetches one job by id.
func (c *Client) Job(ctx context.Context, id string) (domain.Job, error) {
	var resp domain.Job
	err := c.do(ctx, http.MethodGet, "v0/jobs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Jobs lists all known jobs, newest first.
func (c *Client) Jobs(ctx context.Context) ([]domain.Job, error) {
	var resp struct {
		Items []domain.Job `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/jobs", nil, &resp)
	return resp.Items, err
}

// Cancel requests cooperative cancellation of a job.
func (c *Client) Cancel(ctx context.Context, id string) (domain.Job, error) {
	var resp domain.Job
	err := c.do(ctx, http.MethodPost, "v0/jobs/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// Events returns recent lifecycle events, optionally filtered.
func (c *Client) Events(ctx context.Context, limit int, jobID, evtType string) ([]domain.Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if jobID != "" {
		q.Set("job_id", jobID)
	}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []domain.Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
