package pipeline

import (
	"errors"
	"testing"

	"voxpipe/internal/domain"
)

func actions(stages []domain.Stage) []domain.Action {
	var out []domain.Action
	for _, s := range stages {
		out = append(out, s.Action)
	}
	return out
}

func TestPlanInsertsImplicitPrerequisites(t *testing.T) {
	stages, err := Plan([]domain.Action{domain.ActionSummarize}, Provided{}, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := []domain.Action{domain.ActionDownload, domain.ActionTranscribe, domain.ActionSummarize}
	got := actions(stages)
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	for _, s := range stages {
		switch s.Action {
		case domain.ActionSummarize:
			if s.Implicit {
				t.Error("requested stage must not be implicit")
			}
		default:
			if !s.Implicit {
				t.Errorf("%s should be implicit", s.Action)
			}
		}
	}
}

func TestPlanOrderAndDuplicates(t *testing.T) {
	stages, err := Plan([]domain.Action{
		domain.ActionPost, domain.ActionConvert, domain.ActionDownload, domain.ActionConvert,
	}, Provided{}, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := []domain.Action{domain.ActionDownload, domain.ActionConvert, domain.ActionPost}
	got := actions(stages)
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	last := stages[len(stages)-1]
	if !last.Optional {
		t.Error("post must be optional")
	}
}

func TestPlanRejections(t *testing.T) {
	cases := []struct {
		name      string
		requested []domain.Action
		artifact  string
	}{
		{name: "empty"},
		{name: "unknown action", requested: []domain.Action{"upload"}},
		{name: "post alone", requested: []domain.Action{domain.ActionPost}},
		{name: "post with no producer", requested: []domain.Action{domain.ActionDownload, domain.ActionPost}},
		{name: "post artifact without producer", requested: []domain.Action{domain.ActionConvert, domain.ActionPost}, artifact: "summary"},
		{name: "unknown post artifact", requested: []domain.Action{domain.ActionConvert, domain.ActionPost}, artifact: "video"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Plan(tc.requested, Provided{}, tc.artifact)
			var invalid InvalidPlanError
			if !errors.As(err, &invalid) {
				t.Fatalf("want InvalidPlanError, got %v", err)
			}
		})
	}
}

func TestPlanWithProvidedInputs(t *testing.T) {
	// A supplied transcript satisfies summarize without inserting
	// transcribe or download.
	stages, err := Plan([]domain.Action{domain.ActionSummarize}, Provided{Transcript: true}, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got := actions(stages); len(got) != 1 || got[0] != domain.ActionSummarize {
		t.Fatalf("got %v want [summarize]", got)
	}

	// Supplied tracks satisfy download for convert and transcribe.
	stages, err = Plan([]domain.Action{domain.ActionConvert, domain.ActionTranscribe}, Provided{Tracks: true}, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for _, s := range stages {
		if s.Action == domain.ActionDownload {
			t.Fatalf("download must not be inserted: %v", actions(stages))
		}
	}

	// Post alone is valid when a transcript is supplied to deliver.
	stages, err = Plan([]domain.Action{domain.ActionPost}, Provided{Transcript: true}, "")
	if err != nil {
		t.Fatalf("post with provided transcript: %v", err)
	}
	if got := actions(stages); len(got) != 1 || got[0] != domain.ActionPost {
		t.Fatalf("got %v want [post]", got)
	}

	// An explicitly requested action still runs even when its output
	// was supplied.
	stages, err = Plan([]domain.Action{domain.ActionTranscribe, domain.ActionSummarize}, Provided{Transcript: true, Tracks: true}, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	found := false
	for _, s := range stages {
		if s.Action == domain.ActionTranscribe {
			found = true
		}
	}
	if !found {
		t.Fatalf("explicit transcribe dropped: %v", actions(stages))
	}
}

func TestPostArtifactPreference(t *testing.T) {
	art := domain.Artifacts{
		SummaryPath:    "s.md",
		FinalPath:      "a.opus",
		TranscriptPath: "t.txt",
	}
	path, label, err := PostArtifact("", art)
	if err != nil || path != "s.md" || label != "summary" {
		t.Fatalf("got %q %q %v", path, label, err)
	}

	art.SummaryPath = ""
	path, label, _ = PostArtifact("", art)
	if path != "a.opus" || label != "audio" {
		t.Fatalf("got %q %q", path, label)
	}

	path, label, err = PostArtifact("transcript", art)
	if err != nil || path != "t.txt" || label != "transcript" {
		t.Fatalf("override: got %q %q %v", path, label, err)
	}

	if _, _, err := PostArtifact("summary", art); err == nil {
		t.Fatal("override naming a missing artifact must fail")
	}
	if _, _, err := PostArtifact("", domain.Artifacts{}); err == nil {
		t.Fatal("no artifacts must fail")
	}
	if _, _, err := PostArtifact("video", art); err == nil {
		t.Fatal("unknown override must fail")
	}
}

func TestParseActions(t *testing.T) {
	got, err := ParseActions([]string{"download,convert", " post "})
	if err != nil {
		t.Fatalf("ParseActions: %v", err)
	}
	if len(got) != 3 || got[2] != domain.ActionPost {
		t.Fatalf("got %v", got)
	}
	if _, err := ParseActions([]string{"download,burn"}); err == nil {
		t.Fatal("unknown action must fail")
	}
}
