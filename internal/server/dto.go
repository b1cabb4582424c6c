package server

import (
	"voxpipe/internal/app"
	"voxpipe/internal/domain"
)

// Request payloads

type SubmitJobRequest struct {
	Input   string   `json:"input,omitempty"`
	Key     string   `json:"key,omitempty"`
	Actions []string `json:"actions"`

	// Local files on the server's filesystem standing in for a
	// download stage.
	TrackPaths     []string `json:"track_paths,omitempty"`
	MixedPath      string   `json:"mixed_path,omitempty"`
	TranscriptPath string   `json:"transcript_path,omitempty"`

	FileType string `json:"file_type,omitempty"`
	Mix      string `json:"mix,omitempty" enum:"individual,mixed"`

	FinalFormat string `json:"final_format,omitempty" enum:"opus,mp3"`
	Bitrate     string `json:"bitrate,omitempty"`

	TranscribeMode    string `json:"transcribe_mode,omitempty" enum:"mixed,tracks"`
	TranscribeBackend string `json:"transcribe_backend,omitempty" enum:"openai,whisper-cli"`
	TranscribeModel   string `json:"transcribe_model,omitempty"`
	Language          string `json:"language,omitempty"`

	SummaryStyle string `json:"summary_style,omitempty" enum:"brief,points,actions"`

	Channel      string `json:"channel,omitempty"`
	Webhooks     string `json:"webhooks,omitempty"`
	PostArtifact string `json:"post_artifact,omitempty" enum:"summary,audio,transcript"`
}

// Response payloads

type JobListResponse struct {
	Items []domain.Job `json:"items"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

func submitOptions(req SubmitJobRequest) app.SubmitOptions {
	return app.SubmitOptions{
		Input:             req.Input,
		Key:               req.Key,
		Actions:           req.Actions,
		TrackPaths:        req.TrackPaths,
		MixedPath:         req.MixedPath,
		TranscriptPath:    req.TranscriptPath,
		FileType:          req.FileType,
		Mix:               req.Mix,
		FinalFormat:       req.FinalFormat,
		Bitrate:           req.Bitrate,
		TranscribeMode:    req.TranscribeMode,
		TranscribeBackend: req.TranscribeBackend,
		TranscribeModel:   req.TranscribeModel,
		Language:          req.Language,
		SummaryStyle:      req.SummaryStyle,
		Channel:           req.Channel,
		Webhooks:          req.Webhooks,
		PostArtifact:      req.PostArtifact,
	}
}
