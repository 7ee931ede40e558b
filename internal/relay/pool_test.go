package relay

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"scanrelay/internal/domain"
	"scanrelay/internal/downstream"
	jobmem "scanrelay/internal/relay/jobstore/memory"
	storemem "scanrelay/internal/store/memory"
)

// fakeImporter records import calls and fails on demand per scan type.
type fakeImporter struct {
	mu        sync.Mutex
	imported  []domain.ScanType
	failTypes map[domain.ScanType]int // remaining failures per type
	block     bool                    // block until ctx done, for watchdog tests
}

func (f *fakeImporter) ImportScan(ctx context.Context, req downstream.ImportRequest) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if remaining, ok := f.failTypes[req.ScanType]; ok && remaining > 0 {
		f.failTypes[req.ScanType] = remaining - 1
		return errors.New("downstream hiccup")
	}
	f.imported = append(f.imported, req.ScanType)
	return nil
}

type env struct {
	pool     *Pool
	jobs     *jobmem.Store
	store    *storemem.Store
	importer *fakeImporter
	cancel   context.CancelFunc
}

func newEnv(t *testing.T, cfg PoolConfig, importer *fakeImporter) *env {
	t.Helper()

	artifacts := storemem.New("")
	srv := httptest.NewServer(artifacts)
	t.Cleanup(srv.Close)
	artifacts.BaseURL = srv.URL

	jobs := jobmem.New()
	pool := NewPool(cfg, NewFetcher(5*time.Second, 1<<20), importer, jobs, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool.Start(ctx)

	return &env{pool: pool, jobs: jobs, store: artifacts, importer: importer, cancel: cancel}
}

func (e *env) putArtifact(t *testing.T, key, body string) string {
	t.Helper()
	if _, err := e.store.Put(context.Background(), key, []byte(body), "application/json"); err != nil {
		t.Fatalf("put artifact: %v", err)
	}
	ref, err := e.store.Sign(context.Background(), key, time.Hour)
	if err != nil {
		t.Fatalf("sign artifact: %v", err)
	}
	return ref.URL
}

func waitTerminal(t *testing.T, jobs *jobmem.Store, jobID string) domain.ImportResult {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		res, err := jobs.Get(context.Background(), jobID)
		if err == nil && res.State.Terminal() {
			return res
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return domain.ImportResult{}
}

func TestPool_IndependentOutcomesAcrossReportKinds(t *testing.T) {
	importer := &fakeImporter{}
	e := newEnv(t, PoolConfig{Workers: 4, QueueDepth: 8, ImportAttempts: 1, Watchdog: 30 * time.Second}, importer)

	jobIDs := make(map[domain.ScanType]string)
	for _, kind := range domain.ScanTypes {
		fileURL := ""
		if kind == domain.ScanDependency {
			// Points at a key that was never put.
			fileURL = e.store.BaseURL + "/frontend-release/b1/missing.xml"
		} else {
			fileURL = e.putArtifact(t, "frontend-release/b1/"+strings.ToLower(string(kind))+".json", `{"ok":true}`)
		}
		jobID, err := e.pool.Enqueue(context.Background(), domain.DeliveryJob{
			ScanType:   kind,
			Engagement: "frontend-release",
			FileURL:    fileURL,
		})
		if err != nil {
			t.Fatalf("Enqueue(%s) error = %v", kind, err)
		}
		jobIDs[kind] = jobID
	}

	for kind, jobID := range jobIDs {
		res := waitTerminal(t, e.jobs, jobID)
		switch kind {
		case domain.ScanDependency:
			if res.State != domain.StateFailed {
				t.Errorf("%s state = %v, want FAILED", kind, res.State)
			}
			if !strings.HasPrefix(res.Reason, "FETCH_FAILED") {
				t.Errorf("%s reason = %q, want FETCH_FAILED prefix", kind, res.Reason)
			}
		default:
			if res.State != domain.StateImported {
				t.Errorf("%s state = %v (reason %q), want IMPORTED", kind, res.State, res.Reason)
			}
		}
	}
}

func TestPool_QueueFullBackpressure(t *testing.T) {
	importer := &fakeImporter{}

	artifacts := storemem.New("")
	srv := httptest.NewServer(artifacts)
	defer srv.Close()
	artifacts.BaseURL = srv.URL

	jobs := jobmem.New()
	// Deliberately not started: the queue fills and stays full.
	pool := NewPool(PoolConfig{Workers: 1, QueueDepth: 1, ImportAttempts: 1, Watchdog: 30 * time.Second},
		NewFetcher(5*time.Second, 1<<20), importer, jobs, nil)

	if _, err := artifacts.Put(context.Background(), "e/b/r.json", []byte("{}"), ""); err != nil {
		t.Fatal(err)
	}
	ref, err := artifacts.Sign(context.Background(), "e/b/r.json", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	job := domain.DeliveryJob{ScanType: domain.ScanSecret, Engagement: "e", FileURL: ref.URL}

	if _, err := pool.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	if _, err := pool.Enqueue(context.Background(), job); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("second Enqueue() error = %v, want ErrQueueFull", err)
	}

	// Rejected job left no record behind.
	list, err := jobs.List(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("store holds %d records, want 1 (rejected job must not linger)", len(list))
	}

	// Once workers drain the queue, resubmission succeeds.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := pool.Enqueue(context.Background(), job)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrQueueFull) {
			t.Fatalf("Enqueue() after drain error = %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("queue never drained")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPool_DuplicateSubmissionsGetIndependentOutcomes(t *testing.T) {
	importer := &fakeImporter{}
	e := newEnv(t, PoolConfig{Workers: 2, QueueDepth: 8, ImportAttempts: 1, Watchdog: 30 * time.Second}, importer)

	fileURL := e.putArtifact(t, "frontend-release/b1/gitleaks.json", "{}")
	job := domain.DeliveryJob{ScanType: domain.ScanSecret, Engagement: "frontend-release", FileURL: fileURL}

	first, err := e.pool.Enqueue(context.Background(), job)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	second, err := e.pool.Enqueue(context.Background(), job)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if first == second {
		t.Fatal("duplicate submissions share a job id")
	}

	if res := waitTerminal(t, e.jobs, first); res.State != domain.StateImported {
		t.Errorf("first submission state = %v", res.State)
	}
	if res := waitTerminal(t, e.jobs, second); res.State != domain.StateImported {
		t.Errorf("second submission state = %v", res.State)
	}
}

func TestPool_ImportRetriesThenSucceeds(t *testing.T) {
	importer := &fakeImporter{failTypes: map[domain.ScanType]int{domain.ScanImage: 2}}
	e := newEnv(t, PoolConfig{
		Workers: 1, QueueDepth: 4,
		ImportAttempts: 3, ImportBackoff: 5 * time.Millisecond,
		Watchdog: 30 * time.Second,
	}, importer)

	fileURL := e.putArtifact(t, "e/b/trivy.json", "{}")
	jobID, err := e.pool.Enqueue(context.Background(), domain.DeliveryJob{
		ScanType: domain.ScanImage, Engagement: "e", FileURL: fileURL,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	res := waitTerminal(t, e.jobs, jobID)
	if res.State != domain.StateImported {
		t.Fatalf("state = %v (reason %q), want IMPORTED after retries", res.State, res.Reason)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
}

func TestPool_ImportFailureAfterRetryBudget(t *testing.T) {
	importer := &fakeImporter{failTypes: map[domain.ScanType]int{domain.ScanDynamic: 100}}
	e := newEnv(t, PoolConfig{
		Workers: 1, QueueDepth: 4,
		ImportAttempts: 2, ImportBackoff: 5 * time.Millisecond,
		Watchdog: 30 * time.Second,
	}, importer)

	fileURL := e.putArtifact(t, "e/b/zap.json", "{}")
	jobID, err := e.pool.Enqueue(context.Background(), domain.DeliveryJob{
		ScanType: domain.ScanDynamic, Engagement: "e", FileURL: fileURL,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	res := waitTerminal(t, e.jobs, jobID)
	if res.State != domain.StateFailed {
		t.Fatalf("state = %v, want FAILED", res.State)
	}
	if !strings.HasPrefix(res.Reason, "IMPORT_FAILED") {
		t.Errorf("reason = %q, want IMPORT_FAILED prefix", res.Reason)
	}
}

func TestPool_WatchdogForcesFailure(t *testing.T) {
	importer := &fakeImporter{block: true}
	e := newEnv(t, PoolConfig{
		Workers: 1, QueueDepth: 4,
		ImportAttempts: 1,
		Watchdog:       100 * time.Millisecond,
	}, importer)

	fileURL := e.putArtifact(t, "e/b/slow.json", "{}")
	jobID, err := e.pool.Enqueue(context.Background(), domain.DeliveryJob{
		ScanType: domain.ScanSecret, Engagement: "e", FileURL: fileURL,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	res := waitTerminal(t, e.jobs, jobID)
	if res.State != domain.StateFailed {
		t.Fatalf("state = %v, want FAILED", res.State)
	}
	if !strings.HasPrefix(res.Reason, "WATCHDOG_TIMEOUT") {
		t.Errorf("reason = %q, want WATCHDOG_TIMEOUT prefix", res.Reason)
	}
}

func TestPool_ShutdownFailsQueuedJobs(t *testing.T) {
	importer := &fakeImporter{block: true}
	e := newEnv(t, PoolConfig{Workers: 1, QueueDepth: 4, ImportAttempts: 1, Watchdog: 30 * time.Second}, importer)

	inFlight, err := e.pool.Enqueue(context.Background(), domain.DeliveryJob{
		ScanType: domain.ScanSecret, Engagement: "e",
		FileURL: e.putArtifact(t, "e/b/first.json", "{}"),
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Wait until the only worker holds the first job, so the second one is
	// guaranteed to still be queued when the pool stops.
	deadline := time.Now().Add(5 * time.Second)
	for {
		res, err := e.jobs.Get(context.Background(), inFlight)
		if err == nil && res.State == domain.StateImporting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first job never reached IMPORTING")
		}
		time.Sleep(5 * time.Millisecond)
	}

	queued, err := e.pool.Enqueue(context.Background(), domain.DeliveryJob{
		ScanType: domain.ScanImage, Engagement: "e",
		FileURL: e.putArtifact(t, "e/b/second.json", "{}"),
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	e.cancel()
	e.pool.Wait()

	res, err := e.jobs.Get(context.Background(), queued)
	if err != nil {
		t.Fatalf("Get(queued) error = %v", err)
	}
	if res.State != domain.StateFailed {
		t.Fatalf("queued job state = %v, want FAILED after shutdown", res.State)
	}
	if !strings.HasPrefix(res.Reason, "SHUTDOWN") {
		t.Errorf("queued job reason = %q, want SHUTDOWN prefix", res.Reason)
	}

	res, err = e.jobs.Get(context.Background(), inFlight)
	if err != nil {
		t.Fatalf("Get(inFlight) error = %v", err)
	}
	if !res.State.Terminal() {
		t.Errorf("in-flight job state = %v, want a terminal state after shutdown", res.State)
	}
}

func TestPool_EnqueueRejectsInvalidJob(t *testing.T) {
	importer := &fakeImporter{}
	e := newEnv(t, PoolConfig{Workers: 1, QueueDepth: 4}, importer)

	_, err := e.pool.Enqueue(context.Background(), domain.DeliveryJob{ScanType: domain.ScanSecret})
	if !errors.Is(err, domain.ErrInvalidJob) {
		t.Fatalf("Enqueue() error = %v, want ErrInvalidJob", err)
	}
}
