// Package dispatch submits delivery jobs, one independent submission per
// report. The two delivery paths found across pipeline variants collapse
// here into a single dispatcher with a configured mode: RELAYED hands jobs
// to the relay service's intake, DIRECT imports straight into the downstream
// system.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"scanrelay/internal/domain"
	"scanrelay/internal/downstream"
)

// Mode selects the delivery path.
type Mode string

const (
	// ModeDirect imports each report synchronously into the downstream
	// system. Pipeline completion then depends on downstream latency.
	ModeDirect Mode = "DIRECT"
	// ModeRelayed submits each job to the relay service and returns as soon
	// as the job is accepted.
	ModeRelayed Mode = "RELAYED"
)

// Delivery pairs a job with the report it refers to. The report payload is
// only consulted in DIRECT mode; RELAYED submissions carry the access
// reference and nothing else.
type Delivery struct {
	Job    domain.DeliveryJob
	Report *domain.Report
}

// Ack records the outcome of one submission attempt sequence. A failed
// submission is recorded here and never raised to the pipeline.
type Ack struct {
	Job       domain.DeliveryJob
	Delivered bool
	JobID     string // relay job id, RELAYED mode only
	Err       error
}

// Importer is the downstream surface DIRECT mode needs.
type Importer interface {
	ImportScan(ctx context.Context, req downstream.ImportRequest) error
}

const (
	submitAttempts = 3
	submitBackoff  = 200 * time.Millisecond
)

// Dispatcher is stateless across Dispatch calls: it holds no job beyond the
// scope of one call. Durability is the artifact store's and the relay's
// problem.
type Dispatcher struct {
	mode       Mode
	relayURL   string
	importer   Importer
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a dispatcher. relayURL is required in RELAYED mode, importer in
// DIRECT mode.
func New(mode Mode, relayURL string, importer Importer, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch mode {
	case ModeRelayed:
		if relayURL == "" {
			return nil, fmt.Errorf("%w: relay URL required in RELAYED mode", domain.ErrConfig)
		}
	case ModeDirect:
		if importer == nil {
			return nil, fmt.Errorf("%w: downstream client required in DIRECT mode", domain.ErrConfig)
		}
	default:
		return nil, fmt.Errorf("%w: unknown dispatch mode %q", domain.ErrConfig, mode)
	}
	return &Dispatcher{
		mode:       mode,
		relayURL:   strings.TrimSuffix(relayURL, "/"),
		importer:   importer,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}, nil
}

// Dispatch submits every delivery concurrently and independently: one job
// failing to submit never blocks or fails the others, and nothing here
// escalates to the caller beyond the returned acks.
func (d *Dispatcher) Dispatch(ctx context.Context, deliveries []Delivery) []Ack {
	acks := make([]Ack, len(deliveries))

	var g errgroup.Group
	for i, del := range deliveries {
		g.Go(func() error {
			acks[i] = d.submit(ctx, del)
			return nil
		})
	}
	g.Wait()

	for _, ack := range acks {
		if ack.Delivered {
			d.logger.Info("report dispatched",
				slog.String("scan_type", string(ack.Job.ScanType)),
				slog.String("mode", string(d.mode)),
				slog.String("job_id", ack.JobID))
		} else {
			d.logger.Warn("report undelivered",
				slog.String("scan_type", string(ack.Job.ScanType)),
				slog.String("mode", string(d.mode)),
				slog.String("error", ack.Err.Error()))
		}
	}
	return acks
}

func (d *Dispatcher) submit(ctx context.Context, del Delivery) Ack {
	ack := Ack{Job: del.Job}

	backoff := submitBackoff
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		var (
			jobID string
			err   error
		)
		switch d.mode {
		case ModeRelayed:
			jobID, err = d.submitRelayed(ctx, del.Job)
		case ModeDirect:
			err = d.submitDirect(ctx, del)
		}
		if err == nil {
			ack.Delivered = true
			ack.JobID = jobID
			return ack
		}
		ack.Err = err

		if terminal(err) || attempt == submitAttempts {
			return ack
		}
		select {
		case <-ctx.Done():
			ack.Err = fmt.Errorf("submission abandoned: %w", ctx.Err())
			return ack
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return ack
}

// submitRelayed is a single request/response exchange with the relay intake,
// at-least-once semantics.
func (d *Dispatcher) submitRelayed(ctx context.Context, job domain.DeliveryJob) (string, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.relayURL+"/import", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build submission: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit to relay: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		var accepted struct {
			JobID string `json:"job_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
			return "", fmt.Errorf("decode relay response: %w", err)
		}
		return accepted.JobID, nil
	case resp.StatusCode == http.StatusServiceUnavailable:
		return "", domain.ErrQueueFull
	case resp.StatusCode == http.StatusBadRequest:
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", &terminalError{fmt.Errorf("relay rejected job: %s", strings.TrimSpace(string(excerpt)))}
	default:
		return "", fmt.Errorf("relay returned status %d", resp.StatusCode)
	}
}

func (d *Dispatcher) submitDirect(ctx context.Context, del Delivery) error {
	if del.Report == nil {
		return &terminalError{fmt.Errorf("%w: DIRECT delivery without report payload", domain.ErrInvalidJob)}
	}
	return d.importer.ImportScan(ctx, downstream.ImportRequest{
		ScanType:   del.Job.ScanType,
		Engagement: del.Job.Engagement,
		Filename:   reportFilename(*del.Report),
		Body:       bytes.NewReader(del.Report.Payload),
	})
}

func reportFilename(r domain.Report) string {
	ext := r.Format
	if ext == "" {
		ext = "bin"
	}
	return strings.ToLower(string(r.Kind)) + "." + ext
}

// terminalError marks submission failures that retrying cannot fix, e.g. a
// 400 from the relay intake.
type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

func terminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
