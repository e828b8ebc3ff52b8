package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"relaycast/internal/models"
)

func TestStoragePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "store.json")
	ctx := context.Background()

	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	job, err := store.CreateJob(ctx, CreateJobParams{PageID: "page", Playlist: []string{"a", "b"}, LoopMode: models.LoopOne})
	if err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	if _, err := store.CreateSession(ctx, CreateSessionParams{JobID: job.ID, BroadcastID: "b1"}); err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if err := store.SetSetting(ctx, models.SettingAccountID, "acct"); err != nil {
		t.Fatalf("SetSetting error: %v", err)
	}

	reloaded, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	got, err := reloaded.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob after reload: %v", err)
	}
	if got.LoopMode != models.LoopOne || len(got.Playlist) != 2 {
		t.Fatalf("job not persisted: %+v", got)
	}
	if _, err := reloaded.LiveSession(ctx, job.ID); err != nil {
		t.Fatalf("LiveSession after reload: %v", err)
	}
	if value, ok, _ := reloaded.GetSetting(ctx, models.SettingAccountID); !ok || value != "acct" {
		t.Fatalf("setting not persisted, got %q", value)
	}
}

func TestStorageEmptyFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	jobs, err := store.ListJobs(context.Background())
	if err != nil || len(jobs) != 0 {
		t.Fatalf("expected empty store, got %d jobs err=%v", len(jobs), err)
	}
	if err := store.SetSetting(context.Background(), "k", "v"); err != nil {
		t.Fatalf("SetSetting on fresh store: %v", err)
	}
}

func TestStorageCorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	if _, err := NewStorage(path); err == nil {
		t.Fatal("expected decode error for corrupt store")
	}
}

func TestStoragePersistFailureLeavesStateUntouched(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, CreateJobParams{PageID: "page", VideoID: "video"})
	if err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}

	store.persistOverride = func(dataset) error { return errors.New("disk full") }
	live := models.JobLive
	if _, err := store.UpdateJob(ctx, job.ID, JobUpdate{Status: &live}); err == nil {
		t.Fatal("expected persist failure")
	}
	if _, err := store.CreateJob(ctx, CreateJobParams{PageID: "page", VideoID: "other"}); err == nil {
		t.Fatal("expected persist failure on create")
	}

	store.persistOverride = nil
	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if got.Status != models.JobQueued {
		t.Fatalf("expected status to remain queued, got %s", got.Status)
	}
	jobs, _ := store.ListJobs(ctx)
	if len(jobs) != 1 {
		t.Fatalf("expected one job after failed create, got %d", len(jobs))
	}
}

func TestStorageReturnsCopies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job, err := store.CreateJob(ctx, CreateJobParams{PageID: "page", Playlist: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	job.Playlist[0] = "mutated"

	got, _ := store.GetJob(ctx, job.ID)
	if got.Playlist[0] != "a" {
		t.Fatalf("stored playlist mutated through returned value: %v", got.Playlist)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	ctx := context.Background()
	if _, err := store.CreateJob(ctx, CreateJobParams{PageID: "page", VideoID: "video"}); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	if _, err := store.CreateVideo(ctx, CreateVideoParams{Path: "/tmp/a.mp4"}); err != nil {
		t.Fatalf("CreateVideo error: %v", err)
	}

	snapshot, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot error: %v", err)
	}
	counts := snapshot.Counts()
	if counts.Jobs != 1 || counts.Videos != 1 {
		t.Fatalf("unexpected snapshot counts: %v", counts)
	}
	if got := store.Snapshot(); len(got.Jobs) != 1 {
		t.Fatalf("expected in-memory snapshot with one job, got %d", len(got.Jobs))
	}
}
