// Package pipeline turns a requested set of actions into an ordered
// stage plan, inserting implicit prerequisites from a fixed dependency
// table.
package pipeline

import (
	"fmt"
	"strings"

	"voxpipe/internal/domain"
)

// prereqs is the dependency table. post is absent: it does not pull in
// producers on its own, it only attaches to a plan that already has one.
var prereqs = map[domain.Action][]domain.Action{
	domain.ActionConvert:    {domain.ActionDownload},
	domain.ActionTranscribe: {domain.ActionDownload},
	domain.ActionSummarize:  {domain.ActionTranscribe},
}

type InvalidPlanError struct {
	Reason string
}

func (e InvalidPlanError) Error() string {
	return fmt.Sprintf("invalid plan: %s", e.Reason)
}

// Provided marks which inputs the caller supplies locally; a satisfied
// prerequisite is not inserted as an implicit stage.
type Provided struct {
	Tracks     bool
	MixedAudio bool
	Transcript bool
}

func (p Provided) satisfies(a domain.Action) bool {
	switch a {
	case domain.ActionDownload:
		return p.Tracks || p.MixedAudio
	case domain.ActionTranscribe:
		return p.Transcript
	}
	return false
}

// Plan expands requested actions into the full ordered stage list.
// Duplicates collapse; prerequisites not explicitly requested are
// marked implicit unless a provided local input already satisfies
// them; post is always optional. A plan whose post stage has no
// producer for the selected artifact is invalid.
func Plan(requested []domain.Action, have Provided, postArtifact string) ([]domain.Stage, error) {
	if len(requested) == 0 {
		return nil, InvalidPlanError{Reason: "no actions requested"}
	}
	explicit := map[domain.Action]bool{}
	for _, a := range requested {
		if !a.Valid() {
			return nil, InvalidPlanError{Reason: fmt.Sprintf("unknown action %q", a)}
		}
		explicit[a] = true
	}

	included := map[domain.Action]bool{}
	var add func(a domain.Action)
	add = func(a domain.Action) {
		if included[a] {
			return
		}
		included[a] = true
		for _, p := range prereqs[a] {
			if !explicit[p] && have.satisfies(p) {
				continue
			}
			add(p)
		}
	}
	for a := range explicit {
		add(a)
	}

	if included[domain.ActionPost] {
		if err := checkPostable(postArtifact, included, have); err != nil {
			return nil, err
		}
	}

	var stages []domain.Stage
	for _, a := range domain.ActionOrder {
		if !included[a] {
			continue
		}
		stages = append(stages, domain.Stage{
			Action:   a,
			Status:   domain.StagePending,
			Implicit: !explicit[a],
			Optional: a == domain.ActionPost,
		})
	}
	return stages, nil
}

// checkPostable rejects a post stage whose selected artifact has no
// producer in the plan and no provided local substitute.
func checkPostable(artifact string, included map[domain.Action]bool, have Provided) error {
	producers := map[string]bool{
		"summary":    included[domain.ActionSummarize],
		"audio":      included[domain.ActionConvert],
		"transcript": included[domain.ActionTranscribe] || have.Transcript,
	}
	switch artifact {
	case "":
		if !producers["summary"] && !producers["audio"] && !producers["transcript"] {
			return InvalidPlanError{Reason: "post has nothing to deliver: no requested action produces a postable artifact"}
		}
	case "summary", "audio", "transcript":
		if !producers[artifact] {
			return InvalidPlanError{Reason: fmt.Sprintf("post artifact %s requested but no action in the plan produces it", artifact)}
		}
	default:
		return InvalidPlanError{Reason: fmt.Sprintf("unknown post artifact %q", artifact)}
	}
	return nil
}

// PostArtifact picks the file a post stage should deliver, preferring
// summary over final audio over transcript. An explicit override names
// one of summary, audio, or transcript and fails when that artifact was
// not produced.
func PostArtifact(override string, art domain.Artifacts) (path, label string, err error) {
	switch override {
	case "summary":
		if art.SummaryPath == "" {
			return "", "", fmt.Errorf("post artifact summary requested but no summary was produced")
		}
		return art.SummaryPath, "summary", nil
	case "audio":
		if art.FinalPath == "" {
			return "", "", fmt.Errorf("post artifact audio requested but no final audio was produced")
		}
		return art.FinalPath, "audio", nil
	case "transcript":
		if art.TranscriptPath == "" {
			return "", "", fmt.Errorf("post artifact transcript requested but no transcript was produced")
		}
		return art.TranscriptPath, "transcript", nil
	case "":
		switch {
		case art.SummaryPath != "":
			return art.SummaryPath, "summary", nil
		case art.FinalPath != "":
			return art.FinalPath, "audio", nil
		case art.TranscriptPath != "":
			return art.TranscriptPath, "transcript", nil
		}
		return "", "", fmt.Errorf("no artifact available to post")
	default:
		return "", "", fmt.Errorf("unknown post artifact %q", override)
	}
}

// ParseActions converts a comma- or slice-form action list into typed
// actions, rejecting unknown names.
func ParseActions(names []string) ([]domain.Action, error) {
	var out []domain.Action
	for _, n := range names {
		for _, part := range strings.Split(n, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			a := domain.Action(part)
			if !a.Valid() {
				return nil, InvalidPlanError{Reason: fmt.Sprintf("unknown action %q", part)}
			}
			out = append(out, a)
		}
	}
	return out, nil
}
