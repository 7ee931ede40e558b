// Package domain holds the core types shared by the pipeline and the relay
// service: scan reports, access references, delivery jobs, and import results.
package domain

import "time"

// ScanType identifies which scanner produced a report. The downstream
// vulnerability-management system keys its parsers on this value.
type ScanType string

const (
	ScanSecret     ScanType = "SECRET_SCAN"
	ScanDependency ScanType = "DEPENDENCY_SCAN"
	ScanImage      ScanType = "IMAGE_SCAN"
	ScanDynamic    ScanType = "DYNAMIC_SCAN"
)

// ScanTypes lists the report kinds a single pipeline run can produce, at most
// one of each.
var ScanTypes = []ScanType{ScanSecret, ScanDependency, ScanImage, ScanDynamic}

// Valid reports whether t is one of the known scan types.
func (t ScanType) Valid() bool {
	switch t {
	case ScanSecret, ScanDependency, ScanImage, ScanDynamic:
		return true
	}
	return false
}

// Report is a scan-report artifact produced by an external analysis tool.
// The payload is opaque; the pipeline stores and forwards it by reference and
// never parses it.
type Report struct {
	Kind       ScanType
	Format     string // e.g. "json", "xml", "html"
	Payload    []byte
	ProducedAt time.Time
}

// AccessReference is a time-limited pointer to a stored artifact, usable by
// the relay service without direct store credentials.
type AccessReference struct {
	StoreKey  string
	URL       string
	ExpiresAt time.Time
}

// DeliveryJob describes one artifact's import into the downstream
// vulnerability-management system. The dispatcher owns a job until the relay
// service accepts it; the relay only consumes it.
type DeliveryJob struct {
	ScanType   ScanType `json:"scan_type"`
	Engagement string   `json:"engagement"`
	FileURL    string   `json:"file_url"`
}

// Validate checks the three fields the relay intake requires.
func (j DeliveryJob) Validate() error {
	if j.ScanType == "" || j.Engagement == "" || j.FileURL == "" {
		return ErrInvalidJob
	}
	return nil
}

// JobState tracks a delivery job through the relay service.
type JobState string

const (
	StateReceived  JobState = "RECEIVED"
	StateFetching  JobState = "FETCHING"
	StateFetched   JobState = "FETCHED"
	StateImporting JobState = "IMPORTING"
	StateImported  JobState = "IMPORTED"
	StateFailed    JobState = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == StateImported || s == StateFailed
}

// ImportResult is the relay service's record of one delivery job. The
// pipeline never blocks on it; it exists for observability only.
type ImportResult struct {
	JobID     string      `json:"job_id"`
	Job       DeliveryJob `json:"job"`
	State     JobState    `json:"state"`
	Reason    string      `json:"reason,omitempty"`
	Attempts  int         `json:"attempts"`
	UpdatedAt time.Time   `json:"updated_at"`
}
