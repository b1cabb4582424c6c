package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"voxpipe/internal/backend"
	"voxpipe/internal/discord"
	"voxpipe/internal/domain"
	"voxpipe/internal/storage"
)

type stubFetcher struct {
	dir     string
	err     error
	started chan struct{}
}

func (f *stubFetcher) Fetch(ctx context.Context, req backend.FetchRequest) (backend.FetchResult, error) {
	if f.started != nil {
		close(f.started)
		<-ctx.Done()
		return backend.FetchResult{}, ctx.Err()
	}
	if f.err != nil {
		return backend.FetchResult{}, f.err
	}
	if req.Progress != nil {
		req.Progress(100, "downloaded")
	}
	return backend.FetchResult{
		Dir:        f.dir,
		TrackPaths: []string{"1-alice.flac", "2-bob.flac"},
		Recording:  domain.Recording{ID: req.RecordingID, Server: "Dev Team"},
	}, nil
}

type stubTranscoder struct{ err error }

func (t stubTranscoder) Combine(_ context.Context, req backend.CombineRequest) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	return req.OutPath, nil
}

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(context.Context, backend.TranscribeRequest) (backend.TranscribeResult, error) {
	return backend.TranscribeResult{Text: "[0:00:01] alice: hi\n"}, nil
}

type stubSummarizer struct{}

func (stubSummarizer) Summarize(context.Context, string, domain.SummarizeOptions) (string, error) {
	return "short summary", nil
}

type stubPublisher struct{ err error }

func (p stubPublisher) Publish(context.Context, backend.PublishRequest) ([]domain.Delivery, error) {
	if p.err != nil {
		return []domain.Delivery{{Destination: "webhook", Kind: "webhook", OK: false, Error: p.err.Error()}}, p.err
	}
	return []domain.Delivery{{Destination: "webhook", Kind: "webhook", OK: true}}, nil
}

func sessionDir(t *testing.T) string {
	t.Helper()
	dirs, err := storage.SessionDir(t.TempDir(), "session", false)
	if err != nil {
		t.Fatal(err)
	}
	return dirs.Root
}

func newRegistry(t *testing.T, b Backends, cfg Config) *Registry {
	t.Helper()
	r := New(cfg, b, nil, nil)
	t.Cleanup(r.Close)
	return r
}

func waitTerminal(t *testing.T, r *Registry, id string) domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := r.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal status")
	return domain.Job{}
}

func TestFullPipelineSucceeds(t *testing.T) {
	dir := sessionDir(t)
	r := newRegistry(t, Backends{
		Fetcher:     &stubFetcher{dir: dir},
		Transcoder:  stubTranscoder{},
		Transcriber: stubTranscriber{},
		Summarizer:  stubSummarizer{},
		Publisher:   stubPublisher{},
	}, Config{Workers: 1})

	job, err := r.Submit(context.Background(), SubmitRequest{
		RecordingID: "rec1",
		Actions: []domain.Action{
			domain.ActionConvert, domain.ActionSummarize, domain.ActionPost,
		},
		Options: domain.Options{
			Post: domain.PostOptions{Webhooks: []string{"https://hooks.example/a/b"}},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(job.Stages) != 5 {
		t.Fatalf("want full 5-stage plan, got %d", len(job.Stages))
	}

	final := waitTerminal(t, r, job.ID)
	if final.Status != domain.JobSucceeded {
		t.Fatalf("status=%s error=%q", final.Status, final.Error)
	}
	for _, s := range final.Stages {
		if s.Status != domain.StageSucceeded {
			t.Errorf("stage %s = %s (%s)", s.Action, s.Status, s.Error)
		}
	}
	if final.Artifacts.FinalPath == "" || final.Artifacts.TranscriptPath == "" || final.Artifacts.Summary == "" {
		t.Errorf("artifacts incomplete: %+v", final.Artifacts)
	}
	if len(final.Artifacts.Deliveries) != 1 || !final.Artifacts.Deliveries[0].OK {
		t.Errorf("deliveries: %+v", final.Artifacts.Deliveries)
	}
	if final.Recording.Server != "Dev Team" {
		t.Errorf("recording metadata lost: %+v", final.Recording)
	}

	if _, err := storage.ReadManifest(dir + "/meta"); err != nil {
		t.Errorf("manifest not written: %v", err)
	}
}

func TestRequiredFailureSkipsDownstream(t *testing.T) {
	r := newRegistry(t, Backends{
		Fetcher: &stubFetcher{err: backend.ErrNotFound},
	}, Config{Workers: 1})

	job, err := r.Submit(context.Background(), SubmitRequest{
		RecordingID: "gone",
		Actions:     []domain.Action{domain.ActionConvert, domain.ActionPost},
	})
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, r, job.ID)
	if final.Status != domain.JobFailed {
		t.Fatalf("status=%s", final.Status)
	}
	byAction := map[domain.Action]domain.Stage{}
	for _, s := range final.Stages {
		byAction[s.Action] = s
	}
	if byAction[domain.ActionDownload].Status != domain.StageFailed {
		t.Errorf("download = %+v", byAction[domain.ActionDownload])
	}
	for _, a := range []domain.Action{domain.ActionConvert, domain.ActionPost} {
		s := byAction[a]
		if s.Status != domain.StageSkipped || s.SkipReason != "upstream failure" {
			t.Errorf("%s = %+v", a, s)
		}
	}
	if final.Error == "" {
		t.Error("failed job should surface the stage error")
	}
}

func TestOptionalPostFailureIsPartial(t *testing.T) {
	r := newRegistry(t, Backends{
		Fetcher:    &stubFetcher{dir: sessionDir(t)},
		Transcoder: stubTranscoder{},
		Publisher:  stubPublisher{err: backend.ErrDeliveryFailed},
	}, Config{Workers: 1})

	job, err := r.Submit(context.Background(), SubmitRequest{
		RecordingID: "rec1",
		Actions:     []domain.Action{domain.ActionConvert, domain.ActionPost},
		Options: domain.Options{
			Post: domain.PostOptions{Webhooks: []string{"https://hooks.example/a/b"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, r, job.ID)
	if final.Status != domain.JobPartial {
		t.Fatalf("status=%s", final.Status)
	}
	if len(final.Artifacts.Deliveries) != 1 || final.Artifacts.Deliveries[0].OK {
		t.Errorf("delivery outcomes should be recorded: %+v", final.Artifacts.Deliveries)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	started := make(chan struct{})
	r := newRegistry(t, Backends{
		Fetcher: &stubFetcher{started: started},
	}, Config{Workers: 1})

	// First job occupies the only worker.
	blocker, err := r.Submit(context.Background(), SubmitRequest{
		RecordingID: "rec1",
		Actions:     []domain.Action{domain.ActionDownload},
	})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	queued, err := r.Submit(context.Background(), SubmitRequest{
		RecordingID: "rec2",
		Actions:     []domain.Action{domain.ActionDownload},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Cancel(queued.ID)
	if err != nil {
		t.Fatalf("Cancel queued: %v", err)
	}
	if got.Status != domain.JobCancelled {
		t.Fatalf("queued cancel should be immediate, got %s", got.Status)
	}

	// Now cancel the running one; its fetcher is blocked on ctx.
	if _, err := r.Cancel(blocker.ID); err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, r, blocker.ID)
	if final.Status != domain.JobCancelled {
		t.Fatalf("running cancel: %s", final.Status)
	}

	// Terminal jobs reject further cancels.
	if _, err := r.Cancel(blocker.ID); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("want ErrJobTerminal, got %v", err)
	}
}

func TestGetUnknownJob(t *testing.T) {
	r := newRegistry(t, Backends{}, Config{Workers: 1})
	if _, err := r.Get("nope"); !errors.Is(err, ErrNoSuchJob) {
		t.Fatalf("want ErrNoSuchJob, got %v", err)
	}
	if _, err := r.Cancel("nope"); !errors.Is(err, ErrNoSuchJob) {
		t.Fatalf("want ErrNoSuchJob, got %v", err)
	}
}

func TestSubmitRejectsInvalidPlan(t *testing.T) {
	r := newRegistry(t, Backends{}, Config{Workers: 1})
	if _, err := r.Submit(context.Background(), SubmitRequest{
		RecordingID: "rec1",
		Actions:     []domain.Action{domain.ActionPost},
	}); err == nil {
		t.Fatal("post-only plan must be rejected at submit")
	}
	if _, err := r.Submit(context.Background(), SubmitRequest{
		Actions: []domain.Action{domain.ActionDownload},
	}); err == nil {
		t.Fatal("missing recording id must be rejected")
	}
}

func TestEvictionKeepsNewestTerminalJobs(t *testing.T) {
	r := newRegistry(t, Backends{
		Fetcher: &stubFetcher{dir: sessionDir(t)},
	}, Config{Workers: 1, MaxJobs: 3})

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := r.Submit(context.Background(), SubmitRequest{
			RecordingID: "rec1",
			Actions:     []domain.Action{domain.ActionDownload},
		})
		if err != nil {
			t.Fatal(err)
		}
		waitTerminal(t, r, job.ID)
		ids = append(ids, job.ID)
	}

	// The next submit must push out the oldest terminal job.
	if _, err := r.Submit(context.Background(), SubmitRequest{
		RecordingID: "rec1",
		Actions:     []domain.Action{domain.ActionDownload},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get(ids[0]); !errors.Is(err, ErrNoSuchJob) {
		t.Fatalf("oldest job should be evicted, got %v", err)
	}
	if _, err := r.Get(ids[2]); err != nil {
		t.Fatalf("newer job should survive: %v", err)
	}
}

func TestPostWithoutDestinationIsSkipped(t *testing.T) {
	r := newRegistry(t, Backends{
		Fetcher:    &stubFetcher{dir: sessionDir(t)},
		Transcoder: stubTranscoder{},
	}, Config{Workers: 1})

	job, err := r.Submit(context.Background(), SubmitRequest{
		RecordingID: "rec1",
		Actions:     []domain.Action{domain.ActionConvert, domain.ActionPost},
	})
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, r, job.ID)
	if final.Status != domain.JobSucceeded {
		t.Fatalf("status=%s error=%q", final.Status, final.Error)
	}
	var post domain.Stage
	for _, s := range final.Stages {
		if s.Action == domain.ActionPost {
			post = s
		}
	}
	if post.Status != domain.StageSkipped || post.SkipReason != "no destination configured" {
		t.Fatalf("post = %+v", post)
	}
	if len(final.Artifacts.Deliveries) != 0 {
		t.Errorf("no deliveries expected: %+v", final.Artifacts.Deliveries)
	}
}

func TestMixedWebhookDeliveryIsPartial(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/hooks/good/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/hooks/bad/token", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Unknown Webhook"}`, http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := newRegistry(t, Backends{
		Fetcher:     &stubFetcher{dir: sessionDir(t)},
		Transcriber: stubTranscriber{},
		Summarizer:  stubSummarizer{},
		Publisher:   discord.NewPublisher(""),
	}, Config{Workers: 1})

	job, err := r.Submit(context.Background(), SubmitRequest{
		RecordingID: "rec1",
		Actions:     []domain.Action{domain.ActionSummarize, domain.ActionPost},
		Options: domain.Options{
			Post: domain.PostOptions{Webhooks: []string{
				srv.URL + "/hooks/good/token",
				srv.URL + "/hooks/bad/token",
			}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, r, job.ID)
	if final.Status != domain.JobPartial {
		t.Fatalf("one failed destination must yield partial, got %s", final.Status)
	}
	if len(final.Artifacts.Deliveries) != 2 {
		t.Fatalf("deliveries: %+v", final.Artifacts.Deliveries)
	}
	var failed int
	for _, d := range final.Artifacts.Deliveries {
		if !d.OK {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("want exactly one failed delivery: %+v", final.Artifacts.Deliveries)
	}
	for _, s := range final.Stages {
		if s.Action == domain.ActionPost && s.Status != domain.StageFailed {
			t.Errorf("post stage = %s", s.Status)
		}
	}
}

func TestStageTimeoutFailsJob(t *testing.T) {
	r := newRegistry(t, Backends{
		Fetcher: &stubFetcher{started: make(chan struct{})},
	}, Config{Workers: 1, StageTimeout: 30 * time.Millisecond})

	job, err := r.Submit(context.Background(), SubmitRequest{
		RecordingID: "rec1",
		Actions:     []domain.Action{domain.ActionDownload},
	})
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, r, job.ID)
	if final.Status != domain.JobFailed {
		t.Fatalf("status=%s", final.Status)
	}
	if !strings.Contains(final.Stages[0].Error, "timeout") {
		t.Fatalf("stage error should carry the timeout kind: %q", final.Stages[0].Error)
	}
}

func TestLocalTranscriptSkipsUpstream(t *testing.T) {
	transcript := filepath.Join(t.TempDir(), "meeting.txt")
	if err := os.WriteFile(transcript, []byte("[0:00:01] alice: hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := newRegistry(t, Backends{
		Summarizer: stubSummarizer{},
	}, Config{Workers: 1, OutputRoot: t.TempDir()})

	job, err := r.Submit(context.Background(), SubmitRequest{
		Actions:        []domain.Action{domain.ActionSummarize},
		TranscriptPath: transcript,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(job.Stages) != 1 || job.Stages[0].Action != domain.ActionSummarize {
		t.Fatalf("supplied transcript should leave a single summarize stage: %+v", job.Stages)
	}
	final := waitTerminal(t, r, job.ID)
	if final.Status != domain.JobSucceeded {
		t.Fatalf("status=%s error=%q", final.Status, final.Error)
	}
	if final.Artifacts.Summary != "short summary" || final.Artifacts.SummaryPath == "" {
		t.Fatalf("artifacts: %+v", final.Artifacts)
	}
	if _, err := os.Stat(final.Artifacts.SummaryPath); err != nil {
		t.Errorf("summary file: %v", err)
	}
}

// barrierFetcher holds every fetch until release closes, so the test
// can prove the jobs really overlap.
type barrierFetcher struct {
	dirs    map[string]string
	arrived chan string
	release chan struct{}
}

func (f *barrierFetcher) Fetch(ctx context.Context, req backend.FetchRequest) (backend.FetchResult, error) {
	f.arrived <- req.RecordingID
	select {
	case <-f.release:
	case <-ctx.Done():
		return backend.FetchResult{}, ctx.Err()
	}
	return backend.FetchResult{
		Dir:        f.dirs[req.RecordingID],
		TrackPaths: []string{req.RecordingID + ".flac"},
		Recording:  domain.Recording{ID: req.RecordingID},
	}, nil
}

// trackEchoTranscriber makes per-job output distinguishable.
type trackEchoTranscriber struct{}

func (trackEchoTranscriber) Transcribe(_ context.Context, req backend.TranscribeRequest) (backend.TranscribeResult, error) {
	return backend.TranscribeResult{Text: strings.Join(req.TrackPaths, ";")}, nil
}

func TestConcurrentJobsStayIsolated(t *testing.T) {
	recs := []string{"recAAAAAAAA", "recBBBBBBBB", "recCCCCCCCC"}
	fetcher := &barrierFetcher{
		dirs:    map[string]string{},
		arrived: make(chan string, len(recs)),
		release: make(chan struct{}),
	}
	for _, id := range recs {
		fetcher.dirs[id] = sessionDir(t)
	}
	r := newRegistry(t, Backends{
		Fetcher:     fetcher,
		Transcriber: trackEchoTranscriber{},
	}, Config{Workers: len(recs)})

	ids := map[string]string{}
	for _, rec := range recs {
		job, err := r.Submit(context.Background(), SubmitRequest{
			RecordingID: rec,
			Actions:     []domain.Action{domain.ActionTranscribe},
		})
		if err != nil {
			t.Fatal(err)
		}
		ids[rec] = job.ID
	}

	// All three must be in their download stage at once.
	for range recs {
		select {
		case <-fetcher.arrived:
		case <-time.After(5 * time.Second):
			t.Fatal("jobs did not run concurrently")
		}
	}
	close(fetcher.release)

	for _, rec := range recs {
		final := waitTerminal(t, r, ids[rec])
		if final.Status != domain.JobSucceeded {
			t.Fatalf("%s: status=%s error=%q", rec, final.Status, final.Error)
		}
		if final.Recording.ID != rec {
			t.Errorf("%s: recording crossed jobs: %+v", rec, final.Recording)
		}
		if final.Artifacts.Dir != fetcher.dirs[rec] {
			t.Errorf("%s: dir crossed jobs: %s", rec, final.Artifacts.Dir)
		}
		if !strings.Contains(final.Artifacts.Transcript, rec) {
			t.Errorf("%s: transcript crossed jobs: %q", rec, final.Artifacts.Transcript)
		}
		for _, other := range recs {
			if other != rec && strings.Contains(final.Artifacts.Transcript, other) {
				t.Errorf("%s: transcript leaked %s", rec, other)
			}
		}
	}
}

func TestListNewestFirst(t *testing.T) {
	r := newRegistry(t, Backends{
		Fetcher: &stubFetcher{dir: sessionDir(t)},
	}, Config{Workers: 1})

	first, _ := r.Submit(context.Background(), SubmitRequest{
		RecordingID: "rec1", Actions: []domain.Action{domain.ActionDownload},
	})
	second, _ := r.Submit(context.Background(), SubmitRequest{
		RecordingID: "rec2", Actions: []domain.Action{domain.ActionDownload},
	})
	waitTerminal(t, r, first.ID)
	waitTerminal(t, r, second.ID)

	jobs := r.List()
	if len(jobs) != 2 || jobs[0].ID != second.ID || jobs[1].ID != first.ID {
		t.Fatalf("List order wrong: %v, %v", jobs[0].ID, jobs[1].ID)
	}
}
