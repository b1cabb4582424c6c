package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"voxpipe/internal/backend"
)

// OpenAI transcribes through the hosted audio API. In tracks mode each
// track is transcribed separately and attributed to the speaker from
// its filename; the hosted API returns plain text, so per-track output
// is merged in track order rather than by utterance offset.
type OpenAI struct {
	client openai.Client
	model  string
}

func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	return &OpenAI{client: openai.NewClient(opts...), model: model}
}

func (o *OpenAI) Transcribe(ctx context.Context, req backend.TranscribeRequest) (backend.TranscribeResult, error) {
	if req.Mode == "mixed" || len(req.TrackPaths) == 0 {
		input := req.MixedPath
		if input == "" {
			return backend.TranscribeResult{}, fmt.Errorf("mixed transcription requested but no mixdown is available")
		}
		text, err := o.transcribeFile(ctx, input, req.Language)
		if err != nil {
			return backend.TranscribeResult{}, err
		}
		return backend.TranscribeResult{Text: text}, nil
	}

	var segments []Segment
	for i, track := range req.TrackPaths {
		if req.Progress != nil {
			req.Progress(i*100/len(req.TrackPaths), fmt.Sprintf("transcribing %s", SpeakerFromTrack(track)))
		}
		text, err := o.transcribeFile(ctx, track, req.Language)
		if err != nil {
			return backend.TranscribeResult{}, err
		}
		segments = append(segments, Segment{
			Start:   float64(i),
			Speaker: SpeakerFromTrack(track),
			Text:    text,
		})
	}
	return backend.TranscribeResult{Text: Merge(segments)}, nil
}

func (o *OpenAI) transcribeFile(ctx context.Context, path, language string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	params := openai.AudioTranscriptionNewParams{
		File:  f,
		Model: openai.AudioModel(o.model),
	}
	if language != "" {
		params.Language = openai.String(language)
	}
	resp, err := o.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	return resp.Text, nil
}

func classifyOpenAIError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return fmt.Errorf("%w: %v", backend.ErrQuotaExceeded, err)
		case apierr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", backend.ErrTransientNetwork, err)
}
