package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"scanrelay/internal/dispatch"
	"scanrelay/internal/domain"
	"scanrelay/internal/store"
)

// DeliveryResult records what happened to one report after the run. Delivery
// problems live here and in the relay's own records; they never reach the
// pipeline's exit code.
type DeliveryResult struct {
	Kind      domain.ScanType
	StoreKey  string
	Delivered bool
	JobID     string
	Err       error
}

// Deliverer pushes produced reports to the artifact store and hands the
// resulting jobs to the dispatcher.
type Deliverer struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	engagement string
	buildID    string
	ttl        time.Duration
	logger     *slog.Logger
}

// NewDeliverer wires the delivery phase. ttl is the signed-reference
// validity window.
func NewDeliverer(s store.Store, d *dispatch.Dispatcher, engagement, buildID string, ttl time.Duration, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		store:      s,
		dispatcher: d,
		engagement: engagement,
		buildID:    buildID,
		ttl:        ttl,
		logger:     logger,
	}
}

// Deliver persists and dispatches every report independently: the four scan
// kinds have disjoint failure domains, and one report failing to store or
// submit never delays or cancels another. The returned results are
// informational only.
func (d *Deliverer) Deliver(ctx context.Context, reports []domain.Report) []DeliveryResult {
	results := make([]DeliveryResult, len(reports))
	deliveries := make([]*dispatch.Delivery, len(reports))

	var g errgroup.Group
	for i, report := range reports {
		g.Go(func() error {
			res, del := d.stage(ctx, report)
			results[i] = res
			deliveries[i] = del
			return nil
		})
	}
	g.Wait()

	// Dispatch whatever made it into the store.
	var ready []dispatch.Delivery
	readyIdx := make([]int, 0, len(deliveries))
	for i, del := range deliveries {
		if del != nil {
			ready = append(ready, *del)
			readyIdx = append(readyIdx, i)
		}
	}
	if len(ready) > 0 {
		acks := d.dispatcher.Dispatch(ctx, ready)
		for i, ack := range acks {
			idx := readyIdx[i]
			results[idx].Delivered = ack.Delivered
			results[idx].JobID = ack.JobID
			results[idx].Err = ack.Err
		}
	}
	return results
}

// stage puts and signs one report. A storage failure degrades to "report not
// delivered"; whether the producing stage aborted the build was already
// decided by its gating policy.
func (d *Deliverer) stage(ctx context.Context, report domain.Report) (DeliveryResult, *dispatch.Delivery) {
	res := DeliveryResult{Kind: report.Kind}

	key := store.ObjectKey(d.engagement, d.buildID, reportFilename(report))
	if _, err := d.store.Put(ctx, key, report.Payload, contentTypeFor(report.Format)); err != nil {
		res.Err = fmt.Errorf("store report: %w", err)
		d.logger.Warn("report not stored",
			slog.String("scan_type", string(report.Kind)),
			slog.String("error", err.Error()))
		return res, nil
	}
	res.StoreKey = key

	ref, err := d.store.Sign(ctx, key, d.ttl)
	if err != nil {
		res.Err = fmt.Errorf("sign report: %w", err)
		d.logger.Warn("report not signed",
			slog.String("scan_type", string(report.Kind)),
			slog.String("error", err.Error()))
		return res, nil
	}

	return res, &dispatch.Delivery{
		Job: domain.DeliveryJob{
			ScanType:   report.Kind,
			Engagement: d.engagement,
			FileURL:    ref.URL,
		},
		Report: &report,
	}
}

func reportFilename(r domain.Report) string {
	ext := r.Format
	if ext == "" {
		ext = "bin"
	}
	return strings.ToLower(string(r.Kind)) + "." + ext
}

func contentTypeFor(format string) string {
	switch format {
	case "json":
		return "application/json"
	case "xml":
		return "application/xml"
	case "html":
		return "text/html"
	default:
		return "application/octet-stream"
	}
}
