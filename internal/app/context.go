// Package app wires configuration, the event log, the stage backends,
// and the job registry into one runtime shared by the CLI and the HTTP
// server.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"voxpipe/internal/aliases"
	"voxpipe/internal/backend"
	"voxpipe/internal/config"
	"voxpipe/internal/craig"
	"voxpipe/internal/db"
	"voxpipe/internal/discord"
	"voxpipe/internal/domain"
	"voxpipe/internal/events"
	"voxpipe/internal/execx"
	"voxpipe/internal/ffmpeg"
	"voxpipe/internal/logger"
	"voxpipe/internal/migrate"
	"voxpipe/internal/orchestrator"
	"voxpipe/internal/pipeline"
	"voxpipe/internal/settings"
	"voxpipe/internal/summarize"
	"voxpipe/internal/transcribe"
)

// Options configures App construction. Secrets holds settings keys
// supplied on the command line; they take precedence over the config
// file and the environment. ConfigFile overrides the workspace config
// path; OutputRoot and Clobber override the storage section.
type Options struct {
	Workspace  string
	ConfigFile string
	LogLevel   string
	Secrets    map[string]string
	OutputRoot string
	Clobber    *bool
}

// App owns the long-lived pieces of the runtime.
type App struct {
	Workspace string
	Config    *config.Config
	Log       logger.Logger
	Settings  settings.Resolver
	Craig     *craig.Client
	Events    *events.Writer
	Registry  *orchestrator.Registry

	conn *sql.DB
}

// New loads config (falling back to defaults when voxpipe.yml is
// absent), opens the event log, and starts the worker pool.
func New(opts Options) (*App, error) {
	var cfg *config.Config
	var err error
	if opts.ConfigFile != "" {
		cfg, err = config.FromFile(opts.ConfigFile)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.OutputRoot != "" {
		cfg.Storage.OutputRoot = opts.OutputRoot
	}
	if opts.Clobber != nil {
		cfg.Storage.Clobber = *opts.Clobber
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	a := &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		Log:       logger.New(opts.LogLevel),
		Settings:  settings.Resolver{Flags: opts.Secrets, Config: cfg},
		Craig:     newCraigClient(cfg),
		Events:    &events.Writer{DB: conn},
		conn:      conn,
	}

	runner := execx.New()
	backends := orchestrator.Backends{
		Fetcher:    craig.NewFetcher(a.Craig),
		Transcoder: ffmpeg.New(runner),
		Transcriber: transcribe.Router{Providers: map[string]func() (backend.Transcriber, error){
			"openai": func() (backend.Transcriber, error) {
				key, _, err := a.Settings.ResolveOrFail(settings.KeyOpenAIAPIKey)
				if err != nil {
					return nil, err
				}
				return transcribe.NewOpenAI(key, cfg.OpenAI.BaseURL, cfg.Defaults.TranscribeModel), nil
			},
			"whisper-cli": func() (backend.Transcriber, error) {
				return transcribe.NewWhisper(runner, cfg.Defaults.WhisperModelPath), nil
			},
		}},
		Summarizer: lazySummarizer{app: a},
		Publisher:  tokenPublisher{app: a},
	}

	a.Registry = orchestrator.New(orchestrator.Config{
		Workers:      cfg.Jobs.Workers,
		StageTimeout: cfg.StageTimeout(),
		MaxJobs:      cfg.Jobs.MaxJobs,
		Retention:    cfg.Retention(),
		OutputRoot:   cfg.Storage.OutputRoot,
		Clobber:      cfg.Storage.Clobber,
	}, backends, a.Events, a.Log)

	return a, nil
}

func newCraigClient(cfg *config.Config) *craig.Client {
	c := craig.NewClient(cfg.Craig.BaseURL)
	if cfg.Craig.PollAttempts > 0 {
		c.PollAttempts = cfg.Craig.PollAttempts
	}
	return c
}

// Close drains in-flight jobs and releases the event log.
func (a *App) Close() {
	if a.Registry != nil {
		a.Registry.Close()
	}
	if a.conn != nil {
		a.conn.Close()
	}
}

// SubmitOptions is one job submission before defaulting and alias
// resolution. Empty fields fall back to config defaults.
type SubmitOptions struct {
	Input   string
	Key     string
	Actions []string

	// Local input files stand in for a download stage.
	TrackPaths     []string
	MixedPath      string
	TranscriptPath string

	FileType string
	Mix      string

	FinalFormat string
	Bitrate     string

	TranscribeMode    string
	TranscribeBackend string
	TranscribeModel   string
	Language          string

	SummaryStyle string

	Channel      string
	Webhooks     string
	PostArtifact string
}

// SubmitJob resolves the session reference and destination aliases,
// applies config defaults, and enqueues the job.
func (a *App) SubmitJob(ctx context.Context, opts SubmitOptions) (domain.Job, error) {
	localInputs := len(opts.TrackPaths) > 0 || opts.MixedPath != "" || opts.TranscriptPath != ""
	var id, key string
	switch {
	case opts.Input != "":
		var urlKey string
		var err error
		id, urlKey, err = craig.ParseInput(opts.Input)
		if err != nil {
			return domain.Job{}, err
		}
		key = opts.Key
		if key == "" {
			key = urlKey
		}
	case !localInputs:
		return domain.Job{}, fmt.Errorf("a session reference or local input files are required")
	}

	actions, err := pipeline.ParseActions(opts.Actions)
	if err != nil {
		return domain.Job{}, err
	}

	jobOpts, err := a.buildOptions(opts)
	if err != nil {
		return domain.Job{}, err
	}

	return a.Registry.Submit(ctx, orchestrator.SubmitRequest{
		RecordingID:    id,
		Key:            key,
		Actions:        actions,
		Options:        jobOpts,
		TrackPaths:     opts.TrackPaths,
		MixedPath:      opts.MixedPath,
		TranscriptPath: opts.TranscriptPath,
	})
}

// Job returns one job by id.
func (a *App) Job(id string) (domain.Job, error) { return a.Registry.Get(id) }

// Jobs returns all known jobs, newest first.
func (a *App) Jobs() []domain.Job { return a.Registry.List() }

// CancelJob requests cooperative cancellation.
func (a *App) CancelJob(id string) (domain.Job, error) { return a.Registry.Cancel(id) }

func (a *App) buildOptions(opts SubmitOptions) (domain.Options, error) {
	d := a.Config.Defaults
	out := domain.Options{
		Download: domain.DownloadOptions{
			FileType: fallback(opts.FileType, d.FileType),
			Mix:      fallback(opts.Mix, d.Mix),
		},
		Convert: domain.ConvertOptions{
			Format: fallback(opts.FinalFormat, d.FinalFormat),
		},
		Transcribe: domain.TranscribeOptions{
			Mode:     fallback(opts.TranscribeMode, d.TranscribeMode),
			Backend:  fallback(opts.TranscribeBackend, d.TranscribeBackend),
			Model:    fallback(opts.TranscribeModel, d.TranscribeModel),
			Language: fallback(opts.Language, d.Language),
		},
		Summarize: domain.SummarizeOptions{
			Style: fallback(opts.SummaryStyle, d.SummaryStyle),
		},
		Post: domain.PostOptions{
			Artifact: opts.PostArtifact,
		},
	}

	out.Convert.Bitrate = opts.Bitrate
	if out.Convert.Bitrate == "" {
		switch out.Convert.Format {
		case "mp3":
			out.Convert.Bitrate = d.MP3Bitrate
		default:
			out.Convert.Bitrate = d.OpusBitrate
		}
	}

	if opts.Channel != "" {
		channelID, err := aliases.ResolveChannel(a.Config, opts.Channel)
		if err != nil {
			return domain.Options{}, err
		}
		out.Post.Channel = channelID
	}
	if opts.Webhooks != "" {
		hooks, err := aliases.ResolveWebhooks(a.Config, opts.Webhooks)
		if err != nil {
			return domain.Options{}, err
		}
		out.Post.Webhooks = hooks
	}

	// A post stage with no destination is skipped at run time rather
	// than rejected here.
	return out, nil
}

func fallback(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

// lazySummarizer defers API key resolution until a job actually runs a
// summarize stage, so missing credentials fail that stage only.
type lazySummarizer struct{ app *App }

func (l lazySummarizer) Summarize(ctx context.Context, transcript string, opts domain.SummarizeOptions) (string, error) {
	key, _, err := l.app.Settings.ResolveOrFail(settings.KeyOpenAIAPIKey)
	if err != nil {
		return "", err
	}
	s := summarize.NewOpenAI(key, l.app.Config.OpenAI.BaseURL, "")
	return s.Summarize(ctx, transcript, opts)
}

// tokenPublisher resolves the bot token only when a channel delivery is
// requested; webhook-only posts need no credentials.
type tokenPublisher struct{ app *App }

func (p tokenPublisher) Publish(ctx context.Context, req backend.PublishRequest) ([]domain.Delivery, error) {
	pub := discord.NewPublisher("")
	if req.ChannelID != "" {
		token, _, err := p.app.Settings.ResolveOrFail(settings.KeyDiscordBotToken)
		if err != nil {
			return nil, err
		}
		pub.BotToken = token
	}
	return pub.Publish(ctx, req)
}
