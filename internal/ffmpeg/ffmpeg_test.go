package ffmpeg

import (
	"errors"
	"strings"
	"testing"

	"voxpipe/internal/backend"
)

func TestArgsMultiInputOpus(t *testing.T) {
	tr := New(nil)
	args, err := tr.args(backend.CombineRequest{
		Inputs:  []string{"a.flac", "b.flac", "c.flac"},
		OutPath: "out.opus",
		Format:  "opus",
		Bitrate: "48k",
	})
	if err != nil {
		t.Fatalf("args: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "amix=inputs=3:dropout_transition=0:normalize=0") {
		t.Errorf("missing amix filter: %s", joined)
	}
	if !strings.Contains(joined, "aformat=channel_layouts=mono") || !strings.Contains(joined, "aresample=48000") {
		t.Errorf("missing mono/resample filter: %s", joined)
	}
	if !strings.Contains(joined, "-c:a libopus") || !strings.Contains(joined, "-b:a 48k") {
		t.Errorf("missing opus encoding args: %s", joined)
	}
	if !strings.Contains(joined, "-application voip") || !strings.Contains(joined, "-vbr on") {
		t.Errorf("missing voip tuning: %s", joined)
	}
	if args[len(args)-1] != "out.opus" {
		t.Errorf("output must come last: %v", args)
	}
	if n := strings.Count(joined, "-i "); n != 3 {
		t.Errorf("want 3 inputs, found %d", n)
	}
}

func TestArgsSingleInputSkipsMix(t *testing.T) {
	tr := New(nil)
	args, err := tr.args(backend.CombineRequest{
		Inputs:  []string{"mix.flac"},
		OutPath: "out.mp3",
		Format:  "mp3",
	})
	if err != nil {
		t.Fatalf("args: %v", err)
	}
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "filter_complex") {
		t.Errorf("single input must not use amix: %s", joined)
	}
	if !strings.Contains(joined, "-c:a libmp3lame") || !strings.Contains(joined, "-b:a 128k") {
		t.Errorf("mp3 defaults missing: %s", joined)
	}
}

func TestArgsRejections(t *testing.T) {
	tr := New(nil)
	if _, err := tr.args(backend.CombineRequest{OutPath: "x", Format: "opus"}); err == nil {
		t.Error("no inputs must fail")
	}
	if _, err := tr.args(backend.CombineRequest{Inputs: []string{"a"}, Format: "opus"}); err == nil {
		t.Error("no output must fail")
	}
	_, err := tr.args(backend.CombineRequest{Inputs: []string{"a"}, OutPath: "x", Format: "wav"})
	if !errors.Is(err, backend.ErrUnsupportedFormat) {
		t.Errorf("want ErrUnsupportedFormat, got %v", err)
	}
}
