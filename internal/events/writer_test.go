package events

import (
	"context"
	"testing"
	"time"

	"voxpipe/internal/db"
	"voxpipe/internal/migrate"
)

func TestAppendAndLatest(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}

	fixed := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	w := &Writer{DB: conn, Now: func() time.Time { return fixed }}
	ctx := context.Background()

	if err := w.Append(ctx, "job.submitted", "job-1", "", EventPayload{"recording_id": "rec1"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(ctx, "stage.finished", "job-1", "download", nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(ctx, "job.submitted", "job-2", "", nil); err != nil {
		t.Fatal(err)
	}

	all, err := w.Latest(ctx, 10, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("want 3 events, got %d", len(all))
	}
	if all[0].JobID != "job-2" {
		t.Errorf("newest first expected, got %+v", all[0])
	}
	if all[0].TS != "2026-03-01T10:30:00Z" {
		t.Errorf("ts = %s", all[0].TS)
	}

	onlyJob1, err := w.Latest(ctx, 10, "job-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyJob1) != 2 {
		t.Fatalf("job filter: want 2, got %d", len(onlyJob1))
	}

	submits, err := w.Latest(ctx, 10, "job-1", "job.submitted")
	if err != nil {
		t.Fatal(err)
	}
	if len(submits) != 1 || submits[0].Stage != "" {
		t.Fatalf("type filter: %+v", submits)
	}
}
