package transcribe

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"voxpipe/internal/backend"
	"voxpipe/internal/execx"
	"voxpipe/internal/ffmpeg"
)

// Whisper runs a local whisper.cpp style binary. Its stdout carries
// timestamped lines which are parsed into segments, so tracks mode
// interleaves speakers by utterance offset.
type Whisper struct {
	Runner    execx.Runner
	Binary    string
	ModelPath string
	Convert   *ffmpeg.Transcoder
}

func NewWhisper(r execx.Runner, modelPath string) *Whisper {
	return &Whisper{
		Runner:    r,
		Binary:    "whisper-cli",
		ModelPath: modelPath,
		Convert:   ffmpeg.New(r),
	}
}

func (w *Whisper) Transcribe(ctx context.Context, req backend.TranscribeRequest) (backend.TranscribeResult, error) {
	if !execx.Available(w.Binary) {
		return backend.TranscribeResult{}, fmt.Errorf("%w: %s not found on PATH", backend.ErrBackendUnavailable, w.Binary)
	}

	if req.Mode == "mixed" || len(req.TrackPaths) == 0 {
		if req.MixedPath == "" {
			return backend.TranscribeResult{}, fmt.Errorf("mixed transcription requested but no mixdown is available")
		}
		segs, err := w.transcribeFile(ctx, req.MixedPath, req.Language, req.WorkDir, "")
		if err != nil {
			return backend.TranscribeResult{}, err
		}
		return backend.TranscribeResult{Text: Merge(segs)}, nil
	}

	var all []Segment
	for i, track := range req.TrackPaths {
		if req.Progress != nil {
			req.Progress(i*100/len(req.TrackPaths), fmt.Sprintf("transcribing %s", SpeakerFromTrack(track)))
		}
		segs, err := w.transcribeFile(ctx, track, req.Language, req.WorkDir, SpeakerFromTrack(track))
		if err != nil {
			return backend.TranscribeResult{}, err
		}
		all = append(all, segs...)
	}
	return backend.TranscribeResult{Text: Merge(all)}, nil
}

func (w *Whisper) transcribeFile(ctx context.Context, input, language, workDir, speaker string) ([]Segment, error) {
	wav := input
	if strings.ToLower(filepath.Ext(input)) != ".wav" {
		base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		converted, err := w.Convert.ToWAV(ctx, input, filepath.Join(workDir, base+".wav"))
		if err != nil {
			return nil, err
		}
		wav = converted
	}

	args := []string{"-m", w.ModelPath, "-f", wav}
	if language != "" {
		args = append(args, "-l", language)
	}
	out, err := w.Runner.Run(ctx, w.Binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", backend.ErrExternalTool, err)
	}
	return parseWhisperOutput(out, speaker), nil
}

// whisperLinePattern matches "[00:00:01.200 --> 00:00:03.480]  text".
var whisperLinePattern = regexp.MustCompile(`^\[(\d+):(\d\d):(\d\d)\.(\d+)\s*-->\s*(\d+):(\d\d):(\d\d)\.(\d+)\]\s*(.*)$`)

func parseWhisperOutput(out, speaker string) []Segment {
	if speaker == "" {
		speaker = "speaker"
	}
	var segs []Segment
	for _, line := range strings.Split(out, "\n") {
		m := whisperLinePattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		text := strings.TrimSpace(m[9])
		if text == "" {
			continue
		}
		segs = append(segs, Segment{
			Start:   timestampSeconds(m[1], m[2], m[3], m[4]),
			End:     timestampSeconds(m[5], m[6], m[7], m[8]),
			Speaker: speaker,
			Text:    text,
		})
	}
	return segs
}

func timestampSeconds(h, m, s, frac string) float64 {
	hv, _ := strconv.Atoi(h)
	mv, _ := strconv.Atoi(m)
	sv, _ := strconv.Atoi(s)
	fv, _ := strconv.ParseFloat("0."+frac, 64)
	return float64(hv*3600+mv*60+sv) + fv
}
