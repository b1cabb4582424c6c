// Package backend defines the narrow contracts the orchestrator runs
// stages against, plus the error kinds stage implementations classify
// their failures into.
package backend

import (
	"context"
	"errors"

	"voxpipe/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrTransientNetwork   = errors.New("transient network error")
	ErrUnsupportedFormat  = errors.New("unsupported format")
	ErrExternalTool       = errors.New("external tool error")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrDeliveryFailed     = errors.New("delivery failed")
	ErrTimeout            = errors.New("timeout")
	ErrCancelled          = errors.New("cancelled")
)

// ProgressFunc reports coarse stage progress. Percent < 0 means
// unknown; message may be empty.
type ProgressFunc func(percent int, message string)

type FetchRequest struct {
	RecordingID string
	Key         string
	Options     domain.DownloadOptions
	// OutputRoot is where the fetcher lays out the per-session
	// directory; the chosen directory comes back in FetchResult.Dir.
	OutputRoot string
	Clobber    bool
	Progress   ProgressFunc
}

type FetchResult struct {
	Dir        string
	TrackPaths []string
	MixedPath  string
	Recording  domain.Recording
}

// Fetcher resolves a recording and materializes its audio locally.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

type CombineRequest struct {
	Inputs  []string
	OutPath string
	Format  string
	Bitrate string
}

// Transcoder merges and/or re-encodes audio into a final artifact.
type Transcoder interface {
	Combine(ctx context.Context, req CombineRequest) (string, error)
}

type TranscribeRequest struct {
	Mode       string
	Backend    string
	Model      string
	Language   string
	TrackPaths []string
	MixedPath  string
	WorkDir    string
	Progress   ProgressFunc
}

type TranscribeResult struct {
	Text string
}

// Transcriber turns recorded audio into a speaker-attributed transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (TranscribeResult, error)
}

// Summarizer condenses a transcript in the requested style.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string, opts domain.SummarizeOptions) (string, error)
}

type PublishRequest struct {
	ChannelID string
	Webhooks  []string
	Content   string
	FilePath  string
}

// Publisher delivers an artifact to each destination independently and
// reports a per-destination outcome. Any failed destination yields
// ErrDeliveryFailed alongside the full outcome list.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) ([]domain.Delivery, error)
}
