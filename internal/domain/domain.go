package domain

// Action is a pipeline stage kind.
type Action string

const (
	ActionDownload   Action = "download"
	ActionConvert    Action = "convert"
	ActionTranscribe Action = "transcribe"
	ActionSummarize  Action = "summarize"
	ActionPost       Action = "post"
)

// ActionOrder is the fixed execution order of stages within a job.
var ActionOrder = []Action{ActionDownload, ActionConvert, ActionTranscribe, ActionSummarize, ActionPost}

func (a Action) Valid() bool {
	switch a {
	case ActionDownload, ActionConvert, ActionTranscribe, ActionSummarize, ActionPost:
		return true
	}
	return false
}

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
	StageCancelled StageStatus = "cancelled"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobPartial   JobStatus = "partial"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobPartial, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Progress is coarse per-stage progress. Percent is nil when the stage
// cannot estimate completion.
type Progress struct {
	Percent *int   `json:"percent,omitempty"`
	Message string `json:"message,omitempty"`
}

type DownloadOptions struct {
	FileType string `json:"file_type,omitempty"`
	Mix      string `json:"mix,omitempty" enum:"individual,mixed"`
}

type ConvertOptions struct {
	Format  string `json:"format,omitempty" enum:"opus,mp3"`
	Bitrate string `json:"bitrate,omitempty"`
}

type TranscribeOptions struct {
	Mode     string `json:"mode,omitempty" enum:"mixed,tracks"`
	Backend  string `json:"backend,omitempty" enum:"openai,whisper-cli"`
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

type SummarizeOptions struct {
	Style string `json:"style,omitempty" enum:"brief,points,actions"`
}

type PostOptions struct {
	Channel  string   `json:"channel,omitempty"`
	Webhooks []string `json:"webhooks,omitempty"`
	Artifact string   `json:"artifact,omitempty" enum:"summary,audio,transcript"`
}

// Options carries the per-action options a job was submitted with.
type Options struct {
	Download   DownloadOptions   `json:"download"`
	Convert    ConvertOptions    `json:"convert"`
	Transcribe TranscribeOptions `json:"transcribe"`
	Summarize  SummarizeOptions  `json:"summarize"`
	Post       PostOptions       `json:"post"`
}

type Stage struct {
	Action     Action      `json:"action"`
	Status     StageStatus `json:"status"`
	Implicit   bool        `json:"implicit,omitempty"`
	Optional   bool        `json:"optional,omitempty"`
	Progress   Progress    `json:"progress"`
	Error      string      `json:"error,omitempty"`
	SkipReason string      `json:"skip_reason,omitempty"`
	StartedAt  string      `json:"started_at,omitempty" format:"date-time"`
	FinishedAt string      `json:"finished_at,omitempty" format:"date-time"`
}

// Recording is the session metadata the fetch backend resolves.
type Recording struct {
	ID        string   `json:"id"`
	Server    string   `json:"server,omitempty"`
	Channel   string   `json:"channel,omitempty"`
	StartTime string   `json:"start_time,omitempty"`
	Users     []string `json:"users,omitempty"`
	Duration  float64  `json:"duration,omitempty"`
}

// Delivery is the outcome for a single post destination.
type Delivery struct {
	Destination string `json:"destination"`
	Kind        string `json:"kind" enum:"channel,webhook"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
}

// Artifacts accumulates stage outputs as the pipeline advances.
type Artifacts struct {
	Dir            string     `json:"dir,omitempty"`
	TrackPaths     []string   `json:"track_paths,omitempty"`
	MixedPath      string     `json:"mixed_path,omitempty"`
	FinalPath      string     `json:"final_path,omitempty"`
	TranscriptPath string     `json:"transcript_path,omitempty"`
	Transcript     string     `json:"transcript,omitempty"`
	SummaryPath    string     `json:"summary_path,omitempty"`
	Summary        string     `json:"summary,omitempty"`
	Deliveries     []Delivery `json:"deliveries,omitempty"`
}

type Job struct {
	ID          string    `json:"id"`
	RecordingID string    `json:"recording_id"`
	Status      JobStatus `json:"status"`
	Stages      []Stage   `json:"stages"`
	Options     Options   `json:"options"`
	Recording   Recording `json:"recording"`
	Artifacts   Artifacts `json:"artifacts"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   string    `json:"created_at" format:"date-time"`
	StartedAt   string    `json:"started_at,omitempty" format:"date-time"`
	FinishedAt  string    `json:"finished_at,omitempty" format:"date-time"`
}

// Event is one entry of the job lifecycle log.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	JobID   string `json:"job_id,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Payload string `json:"payload_json"`
}

// DeriveStatus computes the overall job status from its stages.
// Cancellation dominates, then a required-stage failure, then anything
// still in flight; a job whose required stages all succeeded but with a
// failed optional stage is partial.
func DeriveStatus(stages []Stage) JobStatus {
	var anyCancelled, requiredFailed, optionalFailed, inFlight bool
	for _, s := range stages {
		switch s.Status {
		case StageCancelled:
			anyCancelled = true
		case StageFailed:
			if s.Optional {
				optionalFailed = true
			} else {
				requiredFailed = true
			}
		case StagePending, StageRunning:
			inFlight = true
		}
	}
	switch {
	case anyCancelled:
		return JobCancelled
	case requiredFailed:
		return JobFailed
	case inFlight:
		return JobRunning
	case optionalFailed:
		return JobPartial
	default:
		return JobSucceeded
	}
}
