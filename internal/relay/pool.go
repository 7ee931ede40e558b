package relay

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"scanrelay/internal/domain"
	"scanrelay/internal/downstream"
	"scanrelay/internal/relay/jobstore"
)

const (
	defaultQueueDepth     = 64
	defaultWorkers        = 4
	defaultImportAttempts = 3
	defaultWatchdog       = 10 * time.Minute
	importBackoff         = time.Second
)

// Importer is the downstream surface a worker needs per import attempt.
type Importer interface {
	ImportScan(ctx context.Context, req downstream.ImportRequest) error
}

// PoolConfig bounds the relay's concurrency and per-job processing.
type PoolConfig struct {
	QueueDepth     int
	Workers        int
	ImportAttempts int
	ImportBackoff  time.Duration
	Watchdog       time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.ImportAttempts <= 0 {
		c.ImportAttempts = defaultImportAttempts
	}
	if c.ImportBackoff <= 0 {
		c.ImportBackoff = importBackoff
	}
	if c.Watchdog <= 0 {
		c.Watchdog = defaultWatchdog
	}
}

type task struct {
	id  string
	job domain.DeliveryJob
}

// Pool accepts delivery jobs into a bounded queue and processes each with one
// of a fixed set of workers. A full queue rejects new jobs — that rejection
// is the system's backpressure signal toward the dispatcher's retry logic.
//
// No state is shared between jobs; each has a disjoint target downstream.
type Pool struct {
	cfg      PoolConfig
	queue    chan task
	fetcher  *Fetcher
	importer Importer
	store    jobstore.Store
	logger   *slog.Logger

	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
}

// NewPool wires a pool; Start must be called before Enqueue accepts work.
func NewPool(cfg PoolConfig, fetcher *Fetcher, importer Importer, store jobstore.Store, logger *slog.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		queue:    make(chan task, cfg.QueueDepth),
		fetcher:  fetcher,
		importer: importer,
		store:    store,
		logger:   logger,
	}
}

// Start launches the workers. When ctx is cancelled each worker drains the
// queue, failing any job still waiting in it, then exits; Wait blocks until
// all workers are done.
func (p *Pool) Start(ctx context.Context) {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					p.drain(ctx)
					return
				case t := <-p.queue:
					p.process(ctx, worker, t)
				}
			}
		}(i)
	}
}

// drain fails every job still queued at shutdown. An accepted job was
// durably recorded as RECEIVED; without this it would sit non-terminal in
// the store forever. Record writes use a detached context since ctx is
// already done.
func (p *Pool) drain(ctx context.Context) {
	recordCtx := context.WithoutCancel(ctx)
	for {
		select {
		case t := <-p.queue:
			res := domain.ImportResult{
				JobID:     t.id,
				Job:       t.job,
				State:     domain.StateFailed,
				Reason:    "SHUTDOWN: relay stopped before the job was processed",
				UpdatedAt: time.Now().UTC(),
			}
			if err := p.store.Update(recordCtx, res); err != nil {
				p.logger.Error("record shutdown failure",
					slog.String("job_id", t.id),
					slog.String("error", err.Error()))
				continue
			}
			p.logger.Warn("job failed at shutdown",
				slog.String("job_id", t.id),
				slog.String("scan_type", string(t.job.ScanType)))
		default:
			return
		}
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() { p.wg.Wait() }

// Enqueue accepts a job if the queue has room, records it as RECEIVED, and
// returns its job id. It never blocks: past capacity it returns
// domain.ErrQueueFull and leaves no trace of the job.
func (p *Pool) Enqueue(ctx context.Context, job domain.DeliveryJob) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	jobID := uuid.New().String()
	res := domain.ImportResult{
		JobID:     jobID,
		Job:       job,
		State:     domain.StateReceived,
		UpdatedAt: time.Now().UTC(),
	}
	if err := p.store.Create(ctx, res); err != nil {
		return "", fmt.Errorf("record job: %w", err)
	}

	select {
	case p.queue <- task{id: jobID, job: job}:
		p.logger.Info("job accepted",
			slog.String("job_id", jobID),
			slog.String("scan_type", string(job.ScanType)),
			slog.String("engagement", job.Engagement),
			slog.Int("queue_len", len(p.queue)))
		return jobID, nil
	default:
		_ = p.store.Delete(ctx, jobID)
		return "", domain.ErrQueueFull
	}
}

// process walks one job through the state machine:
// RECEIVED → FETCHING → (FETCH_FAILED | FETCHED) → IMPORTING →
// (IMPORTED | IMPORT_FAILED, retried) → terminal {IMPORTED, FAILED}.
// The watchdog context bounds the whole walk; no job stays non-terminal
// indefinitely.
func (p *Pool) process(ctx context.Context, worker int, t task) {
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.Watchdog)
	defer cancel()

	// Terminal state writes must outlive the watchdog and shutdown.
	recordCtx := context.WithoutCancel(ctx)

	res := domain.ImportResult{JobID: t.id, Job: t.job}
	transition := func(state domain.JobState, reason string) {
		res.State = state
		res.Reason = reason
		res.UpdatedAt = time.Now().UTC()
		if err := p.store.Update(recordCtx, res); err != nil {
			p.logger.Error("record transition",
				slog.String("job_id", t.id),
				slog.String("state", string(state)),
				slog.String("error", err.Error()))
		}
		p.logger.Info("job transition",
			slog.Int("worker", worker),
			slog.String("job_id", t.id),
			slog.String("scan_type", string(t.job.ScanType)),
			slog.String("state", string(state)),
			slog.String("reason", reason))
	}

	transition(domain.StateFetching, "")
	artifact, err := p.fetcher.Fetch(jobCtx, t.job.FileURL)
	if err != nil {
		if jobCtx.Err() == context.DeadlineExceeded {
			transition(domain.StateFailed, "WATCHDOG_TIMEOUT: "+err.Error())
			return
		}
		transition(domain.StateFailed, "FETCH_FAILED: "+err.Error())
		return
	}
	transition(domain.StateFetched, "")

	var importErr error
	for attempt := 1; attempt <= p.cfg.ImportAttempts; attempt++ {
		res.Attempts = attempt
		transition(domain.StateImporting, "")

		importErr = p.importer.ImportScan(jobCtx, downstream.ImportRequest{
			ScanType:   t.job.ScanType,
			Engagement: t.job.Engagement,
			Filename:   artifactFilename(t.job),
			Body:       bytes.NewReader(artifact),
		})
		if importErr == nil {
			transition(domain.StateImported, "")
			return
		}
		if jobCtx.Err() != nil {
			break
		}
		if attempt < p.cfg.ImportAttempts {
			select {
			case <-jobCtx.Done():
			case <-time.After(p.cfg.ImportBackoff * time.Duration(attempt)):
			}
		}
	}

	if jobCtx.Err() == context.DeadlineExceeded {
		transition(domain.StateFailed, "WATCHDOG_TIMEOUT: "+errString(importErr, jobCtx.Err()))
		return
	}
	importErr = fmt.Errorf("%w: %w", domain.ErrImportFailed, importErr)
	transition(domain.StateFailed, fmt.Sprintf("IMPORT_FAILED: %s", importErr))
}

// artifactFilename derives a downstream-friendly filename from the job. The
// store key's basename wins when the URL parses; the scan type is the
// fallback.
func artifactFilename(job domain.DeliveryJob) string {
	if u, err := url.Parse(job.FileURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}
	return strings.ToLower(string(job.ScanType)) + ".bin"
}

func errString(err, fallback error) string {
	if err != nil {
		return err.Error()
	}
	return fallback.Error()
}
