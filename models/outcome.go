package models

import "time"

// FailureKind classifies why a product could not be priced.
type FailureKind string

const (
	KindNetwork            FailureKind = "network_error"
	KindRateLimited        FailureKind = "rate_limited"
	KindHTTPStatus         FailureKind = "http_status"
	KindBlocked            FailureKind = "blocked"
	KindMarkupNotFound     FailureKind = "markup_not_found"
	KindParse              FailureKind = "parse_error"
	KindValidationRejected FailureKind = "validation_rejected"
	KindDeadlineExceeded   FailureKind = "deadline_exceeded"
)

// Retryable reports whether another attempt may succeed.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindValidationRejected, KindDeadlineExceeded:
		return false
	default:
		return true
	}
}

// Throttled reports whether the failure came from the server pushing back,
// which uses the wider randomized wait instead of exponential backoff.
func (k FailureKind) Throttled() bool {
	return k == KindRateLimited || k == KindBlocked
}

// FetchOutcome is the per-product result of a batch: either an observation
// or a failure kind with the number of attempts spent.
type FetchOutcome struct {
	Entry       ProductEntry
	Observation *RawPriceObservation
	Kind        FailureKind
	Attempts    int
	Err         error
}

// Succeeded builds a successful outcome.
func Succeeded(entry ProductEntry, obs RawPriceObservation, attempts int) FetchOutcome {
	return FetchOutcome{Entry: entry, Observation: &obs, Attempts: attempts}
}

// Failed builds a failed outcome.
func Failed(entry ProductEntry, kind FailureKind, attempts int, err error) FetchOutcome {
	return FetchOutcome{Entry: entry, Kind: kind, Attempts: attempts, Err: err}
}

// Success reports whether the outcome carries an observation.
func (o FetchOutcome) Success() bool {
	return o.Kind == "" && o.Observation != nil
}

// MergeResult is what a history merge reports back.
type MergeResult struct {
	StoreID    string `json:"store_id"`
	Accepted   int    `json:"accepted"`
	Duplicates int    `json:"duplicates"`
	Total      int    `json:"total"`
}

// BatchReport summarises one pipeline run.
type BatchReport struct {
	RunID         string         `json:"run_id"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Succeeded     int            `json:"succeeded"`
	Failed        int            `json:"failed"`
	Rejected      int            `json:"rejected"`
	Accepted      int            `json:"accepted"`
	Duplicates    int            `json:"duplicates"`
	Merges        []MergeResult  `json:"merges,omitempty"`
	Outcomes      []FetchOutcome `json:"-"`
	StorageErrors []string       `json:"storage_errors,omitempty"`
}
