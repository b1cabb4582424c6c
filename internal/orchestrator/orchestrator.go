// Package orchestrator owns the in-memory job registry and the worker
// pool that drives stage plans through the pluggable backends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"voxpipe/internal/backend"
	"voxpipe/internal/domain"
	"voxpipe/internal/events"
	"voxpipe/internal/logger"
	"voxpipe/internal/pipeline"
	"voxpipe/internal/storage"
)

var (
	ErrNoSuchJob   = errors.New("no such job")
	ErrJobTerminal = errors.New("job already terminal")
	ErrQueueFull   = errors.New("job queue full")
	ErrClosed      = errors.New("registry closed")
)

type Backends struct {
	Fetcher     backend.Fetcher
	Transcoder  backend.Transcoder
	Transcriber backend.Transcriber
	Summarizer  backend.Summarizer
	Publisher   backend.Publisher
}

type Config struct {
	Workers      int
	QueueSize    int
	StageTimeout time.Duration
	MaxJobs      int
	Retention    time.Duration
	OutputRoot   string
	Clobber      bool
}

type SubmitRequest struct {
	RecordingID string
	Key         string
	Actions     []domain.Action
	Options     domain.Options

	// Local inputs satisfy pipeline prerequisites without a download
	// stage; a job built only on them needs no recording id.
	TrackPaths     []string
	MixedPath      string
	TranscriptPath string
}

// record pairs a job with its own lock so concurrent jobs never
// contend on each other's state.
type record struct {
	mu              sync.Mutex
	job             domain.Job
	key             string
	cancel          context.CancelFunc
	cancelRequested bool
}

func (r *record) snapshot() domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneJob(r.job)
}

func cloneJob(j domain.Job) domain.Job {
	out := j
	out.Stages = append([]domain.Stage(nil), j.Stages...)
	out.Artifacts.TrackPaths = append([]string(nil), j.Artifacts.TrackPaths...)
	out.Artifacts.Deliveries = append([]domain.Delivery(nil), j.Artifacts.Deliveries...)
	out.Recording.Users = append([]string(nil), j.Recording.Users...)
	return out
}

// Registry accepts, runs, exposes, and eventually evicts jobs.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*record
	order  []string
	queue  chan *record
	wg     sync.WaitGroup
	closed bool

	cfg      Config
	backends Backends
	events   *events.Writer
	log      logger.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

func New(cfg Config, b Backends, ev *events.Writer, log logger.Logger) *Registry {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 50
	}
	if log == nil {
		log = logger.Nop()
	}
	r := &Registry{
		jobs:     map[string]*record{},
		queue:    make(chan *record, cfg.QueueSize),
		cfg:      cfg,
		backends: b,
		events:   ev,
		log:      log,
		Now:      time.Now,
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Submit plans and enqueues a job. Planning errors surface here;
// execution errors land on the job itself.
func (r *Registry) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	provided := pipeline.Provided{
		Tracks:     len(req.TrackPaths) > 0,
		MixedAudio: req.MixedPath != "",
		Transcript: req.TranscriptPath != "",
	}
	stages, err := pipeline.Plan(req.Actions, provided, req.Options.Post.Artifact)
	if err != nil {
		return domain.Job{}, err
	}
	if req.RecordingID == "" {
		for _, s := range stages {
			if s.Action == domain.ActionDownload {
				return domain.Job{}, fmt.Errorf("recording id is required")
			}
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.Job{}, ErrClosed
	}
	r.evictLocked()

	rec := &record{
		job: domain.Job{
			ID:          uuid.NewString(),
			RecordingID: req.RecordingID,
			Status:      domain.JobQueued,
			Stages:      stages,
			Options:     req.Options,
			Artifacts: domain.Artifacts{
				TrackPaths:     append([]string(nil), req.TrackPaths...),
				MixedPath:      req.MixedPath,
				TranscriptPath: req.TranscriptPath,
			},
			CreatedAt: r.now(),
		},
		key: req.Key,
	}
	select {
	case r.queue <- rec:
	default:
		r.mu.Unlock()
		return domain.Job{}, ErrQueueFull
	}
	r.jobs[rec.job.ID] = rec
	r.order = append(r.order, rec.job.ID)
	r.mu.Unlock()

	r.emit(rec.job.ID, "job.submitted", "", events.EventPayload{"recording_id": req.RecordingID})
	r.log.Info("job %s submitted for recording %s", rec.job.ID, req.RecordingID)
	return rec.snapshot(), nil
}

// Get returns a point-in-time copy of the job.
func (r *Registry) Get(id string) (domain.Job, error) {
	r.mu.RLock()
	rec, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return domain.Job{}, ErrNoSuchJob
	}
	return rec.snapshot(), nil
}

// List returns all known jobs, newest first.
func (r *Registry) List() []domain.Job {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		if rec, ok := r.jobs[r.order[i]]; ok {
			recs = append(recs, rec)
		}
	}
	r.mu.RUnlock()

	out := make([]domain.Job, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	return out
}

// Cancel requests cooperative cancellation. A queued job cancels
// immediately; a running job stops after its current stage observes
// the context. Terminal jobs reject the request.
func (r *Registry) Cancel(id string) (domain.Job, error) {
	r.mu.RLock()
	rec, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return domain.Job{}, ErrNoSuchJob
	}

	rec.mu.Lock()
	if rec.job.Status.Terminal() {
		rec.mu.Unlock()
		return domain.Job{}, fmt.Errorf("%w: %s is %s", ErrJobTerminal, id, rec.job.Status)
	}
	rec.cancelRequested = true
	if rec.cancel != nil {
		rec.cancel()
	}
	if rec.job.Status == domain.JobQueued {
		for i := range rec.job.Stages {
			rec.job.Stages[i].Status = domain.StageCancelled
		}
		rec.job.Status = domain.JobCancelled
		rec.job.FinishedAt = r.now()
	}
	rec.mu.Unlock()

	r.emit(id, "job.cancel_requested", "", nil)
	return rec.snapshot(), nil
}

// Close stops accepting jobs and waits for in-flight work.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) worker() {
	defer r.wg.Done()
	for rec := range r.queue {
		r.run(rec)
	}
}

func (r *Registry) run(rec *record) {
	rec.mu.Lock()
	if rec.job.Status.Terminal() {
		// Cancelled while still queued.
		rec.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rec.cancel = cancel
	rec.job.Status = domain.JobRunning
	rec.job.StartedAt = r.now()
	jobID := rec.job.ID
	rec.mu.Unlock()
	defer cancel()

	r.emit(jobID, "job.started", "", nil)

	upstreamFailed := false
	total := rec.stageCount()
	for i := 0; i < total; i++ {
		rec.mu.Lock()
		cancelled := rec.cancelRequested
		rec.mu.Unlock()
		if cancelled {
			r.markRemainingCancelled(rec, i)
			break
		}
		if upstreamFailed {
			r.markStage(rec, i, func(s *domain.Stage) {
				s.Status = domain.StageSkipped
				s.SkipReason = "upstream failure"
			})
			continue
		}

		action := rec.stageAction(i)
		r.markStage(rec, i, func(s *domain.Stage) {
			s.Status = domain.StageRunning
			s.StartedAt = r.now()
			s.Progress = domain.Progress{Message: "started"}
		})
		r.emit(jobID, "stage.started", string(action), nil)

		stageCtx := ctx
		var stageCancel context.CancelFunc
		if r.cfg.StageTimeout > 0 {
			stageCtx, stageCancel = context.WithTimeout(ctx, r.cfg.StageTimeout)
		}
		err := r.executeStage(stageCtx, rec, i)
		if stageCancel != nil {
			stageCancel()
		}

		var skip skipStage
		switch {
		case err == nil:
			r.markStage(rec, i, func(s *domain.Stage) {
				s.Status = domain.StageSucceeded
				s.FinishedAt = r.now()
				s.Progress.Message = "done"
			})
			r.emit(jobID, "stage.finished", string(action), events.EventPayload{"status": "succeeded"})
		case errors.As(err, &skip):
			r.markStage(rec, i, func(s *domain.Stage) {
				s.Status = domain.StageSkipped
				s.FinishedAt = r.now()
				s.SkipReason = skip.reason
			})
			r.emit(jobID, "stage.finished", string(action), events.EventPayload{"status": "skipped", "reason": skip.reason})
			r.log.Info("job %s stage %s skipped: %s", jobID, action, skip.reason)
		case isCancel(err) || rec.isCancelRequested():
			r.markRemainingCancelled(rec, i)
			r.emit(jobID, "stage.finished", string(action), events.EventPayload{"status": "cancelled"})
		default:
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: stage exceeded %s", backend.ErrTimeout, r.cfg.StageTimeout)
			}
			msg := err.Error()
			var optional bool
			r.markStage(rec, i, func(s *domain.Stage) {
				s.Status = domain.StageFailed
				s.FinishedAt = r.now()
				s.Error = msg
				optional = s.Optional
			})
			r.emit(jobID, "stage.finished", string(action), events.EventPayload{"status": "failed", "error": msg})
			r.log.Warn("job %s stage %s failed: %s", jobID, action, msg)
			if !optional {
				upstreamFailed = true
			}
		}

		if rec.isCancelRequested() {
			r.markRemainingCancelled(rec, i+1)
			break
		}
	}

	rec.mu.Lock()
	rec.job.Status = domain.DeriveStatus(rec.job.Stages)
	rec.job.FinishedAt = r.now()
	if rec.job.Status == domain.JobFailed {
		rec.job.Error = firstStageError(rec.job.Stages)
	}
	rec.cancel = nil
	final := cloneJob(rec.job)
	rec.mu.Unlock()

	r.writeManifest(final)
	r.emit(jobID, "job.finished", "", events.EventPayload{"status": string(final.Status)})
	r.log.Info("job %s finished: %s", jobID, final.Status)
}

func (r *Registry) executeStage(ctx context.Context, rec *record, i int) error {
	rec.mu.Lock()
	action := rec.job.Stages[i].Action
	opts := rec.job.Options
	art := cloneJob(rec.job).Artifacts
	recordingID := rec.job.RecordingID
	key := rec.key
	rec.mu.Unlock()

	progress := func(percent int, message string) {
		r.markStage(rec, i, func(s *domain.Stage) {
			if percent >= 0 {
				p := percent
				s.Progress.Percent = &p
			}
			if message != "" {
				s.Progress.Message = message
			}
		})
	}

	switch action {
	case domain.ActionDownload:
		res, err := r.backends.Fetcher.Fetch(ctx, backend.FetchRequest{
			RecordingID: recordingID,
			Key:         key,
			Options:     opts.Download,
			OutputRoot:  r.cfg.OutputRoot,
			Clobber:     r.cfg.Clobber,
			Progress:    progress,
		})
		if err != nil {
			return err
		}
		rec.mu.Lock()
		rec.job.Artifacts.Dir = res.Dir
		rec.job.Artifacts.TrackPaths = res.TrackPaths
		rec.job.Artifacts.MixedPath = res.MixedPath
		rec.job.Recording = res.Recording
		rec.mu.Unlock()
		return nil

	case domain.ActionConvert:
		inputs := art.TrackPaths
		if len(inputs) == 0 && art.MixedPath != "" {
			inputs = []string{art.MixedPath}
		}
		format := opts.Convert.Format
		if format == "" {
			format = "opus"
		}
		dir, err := r.ensureJobDir(rec)
		if err != nil {
			return err
		}
		out := filepath.Join(dir, "final", "mix."+format)
		final, err := r.backends.Transcoder.Combine(ctx, backend.CombineRequest{
			Inputs:  inputs,
			OutPath: out,
			Format:  format,
			Bitrate: opts.Convert.Bitrate,
		})
		if err != nil {
			return err
		}
		rec.mu.Lock()
		rec.job.Artifacts.FinalPath = final
		rec.mu.Unlock()
		return nil

	case domain.ActionTranscribe:
		mixed := art.MixedPath
		if mixed == "" {
			mixed = art.FinalPath
		}
		dir, err := r.ensureJobDir(rec)
		if err != nil {
			return err
		}
		res, err := r.backends.Transcriber.Transcribe(ctx, backend.TranscribeRequest{
			Mode:       opts.Transcribe.Mode,
			Backend:    opts.Transcribe.Backend,
			Model:      opts.Transcribe.Model,
			Language:   opts.Transcribe.Language,
			TrackPaths: art.TrackPaths,
			MixedPath:  mixed,
			WorkDir:    filepath.Join(dir, "work"),
			Progress:   progress,
		})
		if err != nil {
			return err
		}
		path := filepath.Join(dir, "final", "transcript.txt")
		if err := os.WriteFile(path, []byte(res.Text), 0o644); err != nil {
			return err
		}
		rec.mu.Lock()
		rec.job.Artifacts.Transcript = res.Text
		rec.job.Artifacts.TranscriptPath = path
		rec.mu.Unlock()
		return nil

	case domain.ActionSummarize:
		transcript := art.Transcript
		if transcript == "" && art.TranscriptPath != "" {
			data, err := os.ReadFile(art.TranscriptPath)
			if err != nil {
				return fmt.Errorf("read transcript %s: %w", art.TranscriptPath, err)
			}
			transcript = string(data)
		}
		summary, err := r.backends.Summarizer.Summarize(ctx, transcript, opts.Summarize)
		if err != nil {
			return err
		}
		dir, err := r.ensureJobDir(rec)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, "final", "summary.md")
		if err := os.WriteFile(path, []byte(summary+"\n"), 0o644); err != nil {
			return err
		}
		rec.mu.Lock()
		rec.job.Artifacts.Summary = summary
		rec.job.Artifacts.SummaryPath = path
		rec.mu.Unlock()
		return nil

	case domain.ActionPost:
		if opts.Post.Channel == "" && len(opts.Post.Webhooks) == 0 {
			return skipStage{reason: "no destination configured"}
		}
		path, label, err := pipeline.PostArtifact(opts.Post.Artifact, art)
		if err != nil {
			return fmt.Errorf("%w: %v", backend.ErrDeliveryFailed, err)
		}
		req := backend.PublishRequest{
			ChannelID: opts.Post.Channel,
			Webhooks:  opts.Post.Webhooks,
		}
		if label == "summary" && art.Summary != "" {
			req.Content = art.Summary
		} else {
			req.Content = fmt.Sprintf("Recording %s %s", recordingID, label)
			req.FilePath = path
		}
		deliveries, err := r.backends.Publisher.Publish(ctx, req)
		rec.mu.Lock()
		rec.job.Artifacts.Deliveries = deliveries
		rec.mu.Unlock()
		return err

	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// ensureJobDir lazily creates a session directory for jobs built on
// local inputs, which never ran a download stage to lay one out.
func (r *Registry) ensureJobDir(rec *record) (string, error) {
	rec.mu.Lock()
	dir := rec.job.Artifacts.Dir
	id := rec.job.ID
	rec.mu.Unlock()
	if dir != "" {
		return dir, nil
	}
	dirs, err := storage.SessionDir(r.cfg.OutputRoot, "local_"+id, r.cfg.Clobber)
	if err != nil {
		return "", err
	}
	rec.mu.Lock()
	rec.job.Artifacts.Dir = dirs.Root
	rec.mu.Unlock()
	return dirs.Root, nil
}

// evictLocked drops old terminal jobs: anything past retention, and
// the oldest terminal jobs once the count bound is reached. Caller
// holds r.mu.
func (r *Registry) evictLocked() {
	now := r.Now()
	keep := r.order[:0]
	for _, id := range r.order {
		rec := r.jobs[id]
		if rec == nil {
			continue
		}
		if r.cfg.Retention > 0 && r.isExpired(rec, now) {
			delete(r.jobs, id)
			continue
		}
		keep = append(keep, id)
	}
	r.order = keep

	for len(r.order) >= r.cfg.MaxJobs {
		removed := false
		for idx, id := range r.order {
			rec := r.jobs[id]
			if rec == nil || rec.snapshotStatus().Terminal() {
				delete(r.jobs, id)
				r.order = append(r.order[:idx], r.order[idx+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			// Everything left is still active; let the bound slip
			// rather than dropping live jobs.
			break
		}
	}
}

func (r *Registry) isExpired(rec *record, now time.Time) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.job.Status.Terminal() || rec.job.FinishedAt == "" {
		return false
	}
	finished, err := time.Parse(time.RFC3339, rec.job.FinishedAt)
	if err != nil {
		return false
	}
	return now.Sub(finished) > r.cfg.Retention
}

func (rec *record) snapshotStatus() domain.JobStatus {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.job.Status
}

func (rec *record) isCancelRequested() bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.cancelRequested
}

func (rec *record) stageCount() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.job.Stages)
}

func (rec *record) stageAction(i int) domain.Action {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.job.Stages[i].Action
}

func (r *Registry) markStage(rec *record, i int, fn func(*domain.Stage)) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if i < len(rec.job.Stages) {
		fn(&rec.job.Stages[i])
	}
}

func (r *Registry) markRemainingCancelled(rec *record, from int) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := from; i < len(rec.job.Stages); i++ {
		switch rec.job.Stages[i].Status {
		case domain.StagePending, domain.StageRunning:
			rec.job.Stages[i].Status = domain.StageCancelled
		}
	}
}

func (r *Registry) writeManifest(job domain.Job) {
	if job.Artifacts.Dir == "" {
		return
	}
	m := storage.Manifest{
		JobID:       job.ID,
		RecordingID: job.RecordingID,
		Status:      job.Status,
		Recording:   job.Recording,
		Options:     job.Options,
		Stages:      job.Stages,
		Artifacts:   job.Artifacts,
		CreatedAt:   job.CreatedAt,
		FinishedAt:  job.FinishedAt,
	}
	if err := storage.WriteManifest(filepath.Join(job.Artifacts.Dir, "meta"), m); err != nil {
		r.log.Warn("job %s: write manifest: %v", job.ID, err)
	}
}

func (r *Registry) emit(jobID, evtType, stage string, payload events.EventPayload) {
	if r.events == nil {
		return
	}
	if err := r.events.Append(context.Background(), evtType, jobID, stage, payload); err != nil {
		r.log.Warn("event log: %v", err)
	}
}

func (r *Registry) now() string {
	return r.Now().UTC().Format(time.RFC3339)
}

// skipStage turns a stage into a skipped no-op instead of a failure.
type skipStage struct{ reason string }

func (s skipStage) Error() string { return "stage skipped: " + s.reason }

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, backend.ErrCancelled)
}

func firstStageError(stages []domain.Stage) string {
	for _, s := range stages {
		if s.Status == domain.StageFailed && !s.Optional {
			return fmt.Sprintf("%s: %s", s.Action, s.Error)
		}
	}
	return ""
}
