package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"scanrelay/internal/domain"
	"scanrelay/internal/relay/jobstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResult(jobID string, state domain.JobState) domain.ImportResult {
	return domain.ImportResult{
		JobID: jobID,
		Job: domain.DeliveryJob{
			ScanType:   domain.ScanImage,
			Engagement: "frontend-release",
			FileURL:    "https://store.example/frontend-release/b1/trivy.json",
		},
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}
}

func TestCreateGetUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, sampleResult("job-1", domain.StateReceived)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != domain.StateReceived {
		t.Errorf("state = %v, want RECEIVED", got.State)
	}
	if got.Job.ScanType != domain.ScanImage {
		t.Errorf("scan type = %v, want IMAGE_SCAN", got.Job.ScanType)
	}

	updated := sampleResult("job-1", domain.StateImported)
	updated.Attempts = 2
	updated.UpdatedAt = time.Now().UTC()
	if err := s.Update(ctx, updated); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err = s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get() after update error = %v", err)
	}
	if got.State != domain.StateImported || got.Attempts != 2 {
		t.Errorf("after update: state = %v attempts = %d", got.State, got.Attempts)
	}
}

func TestGet_Unknown(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestUpdate_Unknown(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(context.Background(), sampleResult("nope", domain.StateImported))
	if !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, sampleResult("job-1", domain.StateReceived)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Delete(ctx, "job-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "job-1"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestList_MostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"job-a", "job-b", "job-c"} {
		res := sampleResult(id, domain.StateImported)
		res.UpdatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.Create(ctx, res); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	results, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].JobID != "job-c" || results[1].JobID != "job-b" {
		t.Errorf("order = %s, %s; want job-c, job-b", results[0].JobID, results[1].JobID)
	}
}
