package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"voxpipe/internal/aliases"
	"voxpipe/internal/app"
	"voxpipe/internal/domain"
	"voxpipe/internal/orchestrator"
	"voxpipe/internal/pipeline"
	"voxpipe/internal/settings"
)

// stubService is a scripted JobService.
type stubService struct {
	jobs      map[string]domain.Job
	submitErr error
	last      app.SubmitOptions
}

func (s *stubService) SubmitJob(_ context.Context, opts app.SubmitOptions) (domain.Job, error) {
	s.last = opts
	if s.submitErr != nil {
		return domain.Job{}, s.submitErr
	}
	job := domain.Job{ID: "job-1", RecordingID: opts.Input, Status: domain.JobQueued}
	s.jobs[job.ID] = job
	return job, nil
}

func (s *stubService) Job(id string) (domain.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, orchestrator.ErrNoSuchJob
	}
	return job, nil
}

func (s *stubService) Jobs() []domain.Job {
	var out []domain.Job
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

func (s *stubService) CancelJob(id string) (domain.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, orchestrator.ErrNoSuchJob
	}
	if job.Status.Terminal() {
		return domain.Job{}, orchestrator.ErrJobTerminal
	}
	job.Status = domain.JobCancelled
	s.jobs[id] = job
	return job, nil
}

type testServer struct {
	URL     string
	client  *http.Client
	service *stubService
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	svc := &stubService{jobs: map[string]domain.Job{}}
	handler, err := New(Config{Service: svc, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		client:  &http.Client{},
		service: svc,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestSubmitAndGetJob(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"input":   "aBcD1234eF",
		"actions": []string{"download", "convert"},
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.ID == "" || job.RecordingID != "aBcD1234eF" {
		t.Fatalf("unexpected job: %+v", job)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/"+job.ID, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", getRes.StatusCode, string(getBody))
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs", nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", listRes.StatusCode, string(listBody))
	}
	var list JobListResponse
	if err := json.Unmarshal(listBody, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Items) != 1 {
		t.Fatalf("want 1 job, got %d", len(list.Items))
	}
}

func TestSubmitValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"actions": []string{"download"},
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing input: %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "bad_request" {
		t.Fatalf("code = %s", code)
	}
}

func TestSubmitLocalInputs(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"transcript_path": "/srv/recordings/meeting.txt",
		"actions":         []string{"summarize"},
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("local transcript submit: %d %s", res.StatusCode, string(data))
	}
	if srv.service.last.TranscriptPath != "/srv/recordings/meeting.txt" {
		t.Fatalf("transcript path lost: %+v", srv.service.last)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"track_paths": []string{"/srv/recordings/a.flac", "/srv/recordings/b.flac"},
		"actions":     []string{"convert"},
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("local tracks submit: %d %s", res.StatusCode, string(data))
	}
	if len(srv.service.last.TrackPaths) != 2 {
		t.Fatalf("track paths lost: %+v", srv.service.last)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid plan", pipeline.InvalidPlanError{Reason: "post requires another action"}, http.StatusBadRequest, "invalid_plan"},
		{"unknown alias", aliases.UnknownAliasError{Kind: "channel", Name: "standup"}, http.StatusBadRequest, "unknown_alias"},
		{"missing secret", settings.MissingSecretError{Key: "openai.api_key", Tiers: []string{"cli", "file", "env"}}, http.StatusUnprocessableEntity, "missing_secret"},
		{"queue full", orchestrator.ErrQueueFull, http.StatusServiceUnavailable, "queue_full"},
	}

	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, tc := range cases {
		srv.service.submitErr = tc.err
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
			"input":   "aBcD1234eF",
			"actions": []string{"post"},
		})
		if res.StatusCode != tc.status {
			t.Fatalf("%s: status %d: %s", tc.name, res.StatusCode, string(data))
		}
		if code := errorCode(t, data); code != tc.code {
			t.Fatalf("%s: code = %s", tc.name, code)
		}
	}
}

func TestCancelAndNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"input":   "aBcD1234eF",
		"actions": []string{"download"},
	})
	var job domain.Job
	_ = json.Unmarshal(data, &job)

	cancelRes, cancelBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/cancel", nil)
	if cancelRes.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", cancelRes.StatusCode, string(cancelBody))
	}
	var cancelled domain.Job
	_ = json.Unmarshal(cancelBody, &cancelled)
	if cancelled.Status != domain.JobCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}

	againRes, againBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/cancel", nil)
	if againRes.StatusCode != http.StatusConflict {
		t.Fatalf("terminal cancel: %d %s", againRes.StatusCode, string(againBody))
	}
	if code := errorCode(t, againBody); code != "conflict" {
		t.Fatalf("code = %s", code)
	}

	missingRes, missingBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/nope", nil)
	if missingRes.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job: %d %s", missingRes.StatusCode, string(missingBody))
	}
	if code := errorCode(t, missingBody); code != "not_found" {
		t.Fatalf("code = %s", code)
	}
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}
