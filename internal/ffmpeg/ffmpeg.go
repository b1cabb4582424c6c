// Package ffmpeg renders final audio artifacts: multi-track sessions
// are mixed down with amix, single inputs are re-encoded directly.
package ffmpeg

import (
	"context"
	"fmt"
	"strconv"

	"voxpipe/internal/backend"
	"voxpipe/internal/execx"
)

const mixFilter = "amix=inputs=%d:dropout_transition=0:normalize=0,aformat=channel_layouts=mono,aresample=48000"

// Transcoder implements backend.Transcoder on top of the ffmpeg binary.
type Transcoder struct {
	Runner execx.Runner
	Binary string
}

func New(r execx.Runner) *Transcoder {
	return &Transcoder{Runner: r, Binary: "ffmpeg"}
}

func (t *Transcoder) Combine(ctx context.Context, req backend.CombineRequest) (string, error) {
	args, err := t.args(req)
	if err != nil {
		return "", err
	}
	if !execx.Available(t.Binary) {
		return "", fmt.Errorf("%w: %s not found on PATH", backend.ErrBackendUnavailable, t.Binary)
	}
	if _, err := t.Runner.Run(ctx, t.Binary, args...); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", backend.ErrExternalTool, err)
	}
	return req.OutPath, nil
}

func (t *Transcoder) args(req backend.CombineRequest) ([]string, error) {
	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("no input files")
	}
	if req.OutPath == "" {
		return nil, fmt.Errorf("no output path")
	}

	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	for _, in := range req.Inputs {
		args = append(args, "-i", in)
	}
	if len(req.Inputs) > 1 {
		args = append(args, "-filter_complex", fmt.Sprintf(mixFilter, len(req.Inputs)))
	}

	bitrate := req.Bitrate
	switch req.Format {
	case "opus":
		if bitrate == "" {
			bitrate = "32k"
		}
		args = append(args,
			"-c:a", "libopus",
			"-b:a", bitrate,
			"-vbr", "on",
			"-application", "voip",
			"-ac", "1",
			"-ar", "48000",
		)
	case "mp3":
		if bitrate == "" {
			bitrate = "128k"
		}
		args = append(args,
			"-c:a", "libmp3lame",
			"-b:a", bitrate,
			"-ac", "1",
			"-ar", "48000",
		)
	default:
		return nil, fmt.Errorf("%w: final format %q", backend.ErrUnsupportedFormat, req.Format)
	}
	args = append(args, req.OutPath)
	return args, nil
}

// ToWAV converts a single input to 16kHz mono PCM, the input format
// local whisper builds expect.
func (t *Transcoder) ToWAV(ctx context.Context, input, outPath string) (string, error) {
	if !execx.Available(t.Binary) {
		return "", fmt.Errorf("%w: %s not found on PATH", backend.ErrBackendUnavailable, t.Binary)
	}
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", input,
		"-ac", "1",
		"-ar", strconv.Itoa(16000),
		outPath,
	}
	if _, err := t.Runner.Run(ctx, t.Binary, args...); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", backend.ErrExternalTool, err)
	}
	return outPath, nil
}
