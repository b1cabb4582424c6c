package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"voxpipe/internal/app"
	"voxpipe/internal/config"
	"voxpipe/internal/craig"
	"voxpipe/internal/db"
	"voxpipe/internal/domain"
	"voxpipe/internal/server"
	"voxpipe/internal/settings"
	"voxpipe/internal/watch"
	voxpipesdk "voxpipe/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "vox",
	Short: "Voxpipe CLI",
	Long: `Voxpipe turns recorded multi-track voice sessions into deliverables.
Point it at a recording link, pick the actions (download, convert,
transcribe, summarize, post), and it runs the pipeline: fetch the
per-speaker tracks, mix them with ffmpeg, transcribe, summarize, and
deliver to Discord. Jobs run locally (vox process) or on a server
(vox serve + vox jobs).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VOXPIPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/voxpipe.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	rootCmd.PersistentFlags().String("output-root", "", "session output root (overrides config)")
	rootCmd.PersistentFlags().Bool("clobber", false, "reuse existing session directories")
	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key (overrides config and env)")
	rootCmd.PersistentFlags().String("discord-bot-token", "", "Discord bot token (overrides config and env)")
	for _, name := range []string{"workspace", "config", "json", "verbose", "output-root", "clobber", "openai-api-key", "discord-bot-token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(metadataCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
}

// submitFlags is the shared flag set for vox process and vox jobs submit.
type submitFlags struct {
	input   string
	key     string
	actions []string

	trackPaths     []string
	mixedPath      string
	transcriptPath string

	fileType string
	mix      string

	finalFormat string
	opusBitrate string
	mp3Bitrate  string

	transcribeMode    string
	transcribeBackend string
	transcribeModel   string
	language          string

	summaryStyle string

	channel      string
	webhooks     string
	postArtifact string
}

func addSubmitFlags(cmd *cobra.Command, f *submitFlags) {
	cmd.Flags().StringVarP(&f.input, "input", "i", "", "recording link or id")
	cmd.Flags().StringVar(&f.key, "key", "", "recording access key (taken from the link when present)")
	cmd.Flags().StringSliceVar(&f.actions, "actions", []string{"download"}, "actions to run (download, convert, transcribe, summarize, post)")
	cmd.Flags().StringSliceVar(&f.trackPaths, "track", nil, "local per-speaker track file (repeatable), instead of downloading")
	cmd.Flags().StringVar(&f.mixedPath, "mixed-audio", "", "local mixed audio file, instead of downloading")
	cmd.Flags().StringVar(&f.transcriptPath, "transcript", "", "local transcript file, instead of transcribing")
	cmd.Flags().StringVar(&f.fileType, "file-type", "", "per-track download format (flac, mp3, opus, ...)")
	cmd.Flags().StringVar(&f.mix, "mix", "", "download mode: individual or mixed")
	cmd.Flags().StringVar(&f.finalFormat, "final-format", "", "mixdown format: opus or mp3")
	cmd.Flags().StringVar(&f.opusBitrate, "opus-bitrate", "", "opus mixdown bitrate (e.g. 32k)")
	cmd.Flags().StringVar(&f.mp3Bitrate, "mp3-bitrate", "", "mp3 mixdown bitrate (e.g. 128k)")
	cmd.Flags().StringVar(&f.transcribeMode, "transcribe", "", "transcription mode: tracks or mixed")
	cmd.Flags().StringVar(&f.transcribeBackend, "transcribe-backend", "", "transcription backend: openai or whisper-cli")
	cmd.Flags().StringVar(&f.transcribeModel, "transcribe-model", "", "transcription model")
	cmd.Flags().StringVar(&f.language, "language", "", "spoken language hint (ISO 639-1)")
	cmd.Flags().StringVar(&f.summaryStyle, "summary", "", "summary style: brief, points, or actions")
	cmd.Flags().StringVar(&f.channel, "post-discord-channel", "", "registered channel alias to post to")
	cmd.Flags().StringVar(&f.webhooks, "post-discord-webhook", "", "webhook aliases or URLs, comma separated")
	cmd.Flags().StringVar(&f.postArtifact, "post-artifact", "", "artifact to post: summary, audio, or transcript")
}

// withActions folds convenience flags into the action list: asking for
// a summary implies summarize, naming a destination implies post.
func (f *submitFlags) withActions() []string {
	actions := append([]string(nil), f.actions...)
	has := func(name string) bool {
		for _, a := range actions {
			for _, part := range strings.Split(a, ",") {
				if strings.TrimSpace(part) == name {
					return true
				}
			}
		}
		return false
	}
	if f.summaryStyle != "" && !has("summarize") {
		actions = append(actions, "summarize")
	}
	if (f.channel != "" || f.webhooks != "") && !has("post") {
		actions = append(actions, "post")
	}
	return actions
}

// bitrate picks the bitrate matching the requested format. With no
// explicit format the config default decides at submit time, so prefer
// whichever flag was given (opus first, matching the config default).
func (f *submitFlags) bitrate() string {
	switch f.finalFormat {
	case "mp3":
		return f.mp3Bitrate
	case "opus":
		return f.opusBitrate
	}
	if f.opusBitrate != "" {
		return f.opusBitrate
	}
	return f.mp3Bitrate
}

func (f *submitFlags) submitOptions() app.SubmitOptions {
	return app.SubmitOptions{
		Input:             f.input,
		Key:               f.key,
		Actions:           f.withActions(),
		TrackPaths:        f.trackPaths,
		MixedPath:         f.mixedPath,
		TranscriptPath:    f.transcriptPath,
		FileType:          f.fileType,
		Mix:               f.mix,
		FinalFormat:       f.finalFormat,
		Bitrate:           f.bitrate(),
		TranscribeMode:    f.transcribeMode,
		TranscribeBackend: f.transcribeBackend,
		TranscribeModel:   f.transcribeModel,
		Language:          f.language,
		SummaryStyle:      f.summaryStyle,
		Channel:           f.channel,
		Webhooks:          f.webhooks,
		PostArtifact:      f.postArtifact,
	}
}

func (f *submitFlags) sdkRequest() voxpipesdk.SubmitRequest {
	return voxpipesdk.SubmitRequest{
		Input:             f.input,
		Key:               f.key,
		Actions:           f.withActions(),
		TrackPaths:        f.trackPaths,
		MixedPath:         f.mixedPath,
		TranscriptPath:    f.transcriptPath,
		FileType:          f.fileType,
		Mix:               f.mix,
		FinalFormat:       f.finalFormat,
		Bitrate:           f.bitrate(),
		TranscribeMode:    f.transcribeMode,
		TranscribeBackend: f.transcribeBackend,
		TranscribeModel:   f.transcribeModel,
		Language:          f.language,
		SummaryStyle:      f.summaryStyle,
		Channel:           f.channel,
		Webhooks:          f.webhooks,
		PostArtifact:      f.postArtifact,
	}
}

func metadataCmd() *cobra.Command {
	var input, key string
	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Show recording metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id, urlKey, err := parseInput(input, key)
				if err != nil {
					return err
				}
				rec, err := a.Craig.Metadata(ctx, id, urlKey)
				if err != nil {
					return err
				}
				if dur, err := a.Craig.Duration(ctx, id, urlKey); err == nil {
					rec.Duration = dur
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "recording link or id")
	cmd.Flags().StringVar(&key, "key", "", "recording access key")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func processCmd() *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run a pipeline locally and follow it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				job, err := a.SubmitJob(ctx, f.submitOptions())
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("Job %s queued for recording %s\n", job.ID, job.RecordingID)
				}
				final, err := followJob(ctx, a, job.ID)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(final); err != nil {
					return err
				}
				if final.Status != domain.JobSucceeded && final.Status != domain.JobPartial {
					return fmt.Errorf("job %s: %s", final.Status, final.Error)
				}
				return nil
			})
		},
	}
	addSubmitFlags(cmd, &f)
	return cmd
}

// followJob polls the local registry until the job is terminal,
// printing stage transitions. A cancelled context requests cooperative
// cancellation and keeps waiting for the job to wind down.
func followJob(ctx context.Context, a *app.App, id string) (domain.Job, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	seen := map[domain.Action]domain.StageStatus{}
	cancelRequested := false
	for {
		job, err := a.Job(id)
		if err != nil {
			return domain.Job{}, err
		}
		if !viper.GetBool("json") {
			for _, s := range job.Stages {
				if seen[s.Action] != s.Status && s.Status != domain.StagePending {
					seen[s.Action] = s.Status
					fmt.Printf("  %-10s %s\n", s.Action, s.Status)
				}
			}
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			if !cancelRequested {
				cancelRequested = true
				_, _ = a.CancelJob(id)
			}
			time.Sleep(200 * time.Millisecond)
		case <-ticker.C:
		}
	}
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Manage jobs on a voxpipe server",
	}
	jobs.PersistentFlags().String("server", "http://127.0.0.1:8080", "voxpipe server URL")
	_ = viper.BindPFlag("server", jobs.PersistentFlags().Lookup("server"))
	jobs.AddCommand(jobsSubmitCmd())
	jobs.AddCommand(jobsListCmd())
	jobs.AddCommand(jobsStatusCmd())
	jobs.AddCommand(jobsCancelCmd())
	return jobs
}

func sdkClient() *voxpipesdk.Client {
	return voxpipesdk.New(viper.GetString("server"))
}

func jobsSubmitCmd() *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := sdkClient().Submit(cmd.Context(), f.sdkRequest())
			if err != nil {
				return err
			}
			return printJSONOrTable(job)
		},
	}
	addSubmitFlags(cmd, &f)
	return cmd
}

func jobsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := sdkClient().Jobs(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Recording", "Status", "Created"})
			for _, j := range items {
				tw.AppendRow(table.Row{j.ID, j.RecordingID, j.Status, j.CreatedAt})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func jobsStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := sdkClient().Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(job)
		},
	}
	return cmd
}

func jobsCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := sdkClient().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(job)
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{Service: a, Events: a.Events, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Voxpipe API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func watchCmd() *cobra.Command {
	var dir string
	var actions []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a directory for dropped recording links",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wcfg := watch.Config{Dir: a.Config.Watch.Dir, Actions: a.Config.Watch.Actions}
				if dir != "" {
					wcfg.Dir = dir
				}
				if len(actions) > 0 {
					wcfg.Actions = actions
				}
				w, err := watch.New(wcfg, a, a.Log)
				if err != nil {
					return err
				}
				return w.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "drop directory (defaults to config watch.dir)")
	cmd.Flags().StringSliceVar(&actions, "actions", nil, "actions for dropped sessions (defaults to config watch.actions)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage voxpipe.yml",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate voxpipe.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default voxpipe.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Job event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var jobID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Events.Latest(ctx, n, jobID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&jobID, "job", "", "job id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	level := "info"
	if viper.GetBool("verbose") {
		level = "debug"
	}
	secrets := map[string]string{}
	if v := viper.GetString("openai-api-key"); v != "" {
		secrets[settings.KeyOpenAIAPIKey] = v
	}
	if v := viper.GetString("discord-bot-token"); v != "" {
		secrets[settings.KeyDiscordBotToken] = v
	}
	opts := app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigFile: viper.GetString("config"),
		LogLevel:   level,
		Secrets:    secrets,
		OutputRoot: viper.GetString("output-root"),
	}
	if rootCmd.PersistentFlags().Changed("clobber") {
		clobber := viper.GetBool("clobber")
		opts.Clobber = &clobber
	}
	a, err := app.New(opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func parseInput(input, keyOverride string) (string, string, error) {
	id, key, err := craig.ParseInput(input)
	if err != nil {
		return "", "", err
	}
	if keyOverride != "" {
		key = keyOverride
	}
	return id, key, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
