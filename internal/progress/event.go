package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/searchcore/internal/crawler"
)

// Phase is the crawl milestone an Event reports.
type Phase string

const (
	PhaseSessionStart Phase = "session_start"
	PhaseFetch        Phase = "fetch"
	PhaseParse        Phase = "parse"
	PhaseStore        Phase = "store"
	PhaseIndex        Phase = "index"
	PhaseSkipped      Phase = "skipped"
	PhaseRetry        Phase = "retry"
	PhaseFailed       Phase = "failed"
	PhaseSessionDone  Phase = "session_done"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one progress frame. Its JSON form is what WebSocket and Pub/Sub
// subscribers receive.
type Event struct {
	SessionID  string           `json:"session_id"`
	URL        string           `json:"url,omitempty"`
	Status     string           `json:"status"`
	Phase      Phase            `json:"phase"`
	Counters   crawler.Counters `json:"counters"`
	Host       string           `json:"host,omitempty"`
	StatusCode int              `json:"status_code,omitempty"`
	Bytes      int64            `json:"bytes,omitempty"`
	Duration   time.Duration    `json:"duration_ns,omitempty"`
	Note       string           `json:"note,omitempty"`
	TS         time.Time        `json:"ts"`
}

// Validate rejects events the sinks cannot attribute.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Phase {
	case PhaseSessionStart, PhaseSessionDone:
	case PhaseFetch, PhaseParse, PhaseStore, PhaseIndex, PhaseSkipped, PhaseRetry, PhaseFailed:
		if e.URL == "" {
			return fmt.Errorf("%s event requires url", e.Phase)
		}
	default:
		return fmt.Errorf("unknown phase %q", e.Phase)
	}
	if e.Duration < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Class groups the event's HTTP status code.
func (e Event) Class() StatusClass {
	return ClassifyStatus(e.StatusCode)
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
