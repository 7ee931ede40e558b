package pipeline

import (
	"sync"

	"scanrelay/internal/domain"
)

// ReportSet collects the reports a run produces, at most one per scan kind.
// Stage actions write into it; the delivery phase reads it after the run.
type ReportSet struct {
	mu      sync.Mutex
	reports map[domain.ScanType]domain.Report
}

func NewReportSet() *ReportSet {
	return &ReportSet{reports: make(map[domain.ScanType]domain.Report)}
}

// Add stores the report, replacing any earlier one of the same kind. The
// sequencer is strictly sequential, so replacement only happens if a
// pipeline definition declares the same kind twice.
func (rs *ReportSet) Add(r domain.Report) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.reports[r.Kind] = r
}

// Produced returns the collected reports in the canonical scan-type order.
// An absent kind simply isn't delivered; that is a valid terminal state, not
// an error.
func (rs *ReportSet) Produced() []domain.Report {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	out := make([]domain.Report, 0, len(rs.reports))
	for _, kind := range domain.ScanTypes {
		if r, ok := rs.reports[kind]; ok {
			out = append(out, r)
		}
	}
	return out
}
