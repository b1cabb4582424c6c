// Package transcribe turns recorded audio into speaker-attributed
// transcripts, either via the OpenAI audio API or a local whisper
// binary, and merges per-track output into a single timeline.
package transcribe

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"voxpipe/internal/backend"
)

// Segment is one utterance with its offset into the session.
type Segment struct {
	Start   float64
	End     float64
	Speaker string
	Text    string
}

// Router dispatches to a transcription backend by name. Providers are
// constructed lazily so a backend's prerequisites (API key, binary)
// are only demanded when a job actually selects it.
type Router struct {
	Providers map[string]func() (backend.Transcriber, error)
}

func (r Router) Transcribe(ctx context.Context, req backend.TranscribeRequest) (backend.TranscribeResult, error) {
	name := req.Backend
	if name == "" {
		name = "openai"
	}
	provider, ok := r.Providers[name]
	if !ok {
		return backend.TranscribeResult{}, fmt.Errorf("%w: no transcription backend %q", backend.ErrBackendUnavailable, name)
	}
	t, err := provider()
	if err != nil {
		return backend.TranscribeResult{}, err
	}
	return t.Transcribe(ctx, req)
}

// Merge interleaves per-speaker segments into one chronological
// transcript, one "[h:mm:ss] speaker: text" line per segment.
func Merge(segments []Segment) string {
	sorted := make([]Segment, len(segments))
	copy(sorted, segments)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var b strings.Builder
	for _, s := range sorted {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", FormatTimestamp(s.Start), s.Speaker, text)
	}
	return b.String()
}

// FormatTimestamp renders seconds as h:mm:ss.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

var trackPrefixPattern = regexp.MustCompile(`^\d+[-_.]`)

// SpeakerFromTrack derives the speaker name from a track filename like
// "1-alice.flac".
func SpeakerFromTrack(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = trackPrefixPattern.ReplaceAllString(name, "")
	if name == "" {
		return "speaker"
	}
	return name
}
