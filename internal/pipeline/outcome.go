package pipeline

import (
	"time"

	"github.com/JakeFAU/searchcore/internal/frontier"
)

// Stage names the pipeline step that produced an outcome.
type Stage int

const (
	StageRobots Stage = iota
	StageFetch
	StageHeadless
	StageParse
	StageArchive
	StageStore
	StageEnqueue
	StageIndex
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageRobots:
		return "robots"
	case StageFetch:
		return "fetch"
	case StageHeadless:
		return "headless"
	case StageParse:
		return "parse"
	case StageArchive:
		return "archive"
	case StageStore:
		return "store"
	case StageEnqueue:
		return "enqueue"
	case StageIndex:
		return "index"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// Kind is the terminal classification of one processed entry.
type Kind int

const (
	KindSuccess Kind = iota
	KindSkipped
	KindRetry
	KindFailed
	// KindAborted means the session was canceled or the worker context ended
	// before the entry finished. The entry goes back to pending untouched.
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindSkipped:
		return "skipped"
	case KindRetry:
		return "retry"
	case KindFailed:
		return "failed"
	case KindAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Reasons reported on outcomes and progress events.
const (
	ReasonRobotsDisallowed = "robots_disallowed"
	ReasonSkippedType      = "skipped_type"
	ReasonFailedTransient  = "failed_transient"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonCanceled         = "canceled"
)

// Outcome is what Process reports for one entry.
type Outcome struct {
	Kind   Kind
	Stage  Stage
	Reason string
	// Delay applies to KindRetry.
	Delay time.Duration
	// DNS marks name resolution failures.
	DNS bool
	// HostFault marks failures attributable to the remote host.
	HostFault bool
	// Backpressure is set when the store was unavailable. The worker should
	// pause for Delay before taking more work.
	Backpressure bool
	// DocID is set once the document was stored.
	DocID string
	Err   error
}

// Release converts the outcome into the frontier's bookkeeping. Permanent
// failures the host is not responsible for (a 404, an undecodable body)
// release as success so they do not feed the host's backoff.
func (o Outcome) Release() frontier.Outcome {
	switch o.Kind {
	case KindRetry:
		return frontier.Outcome{
			Kind:       frontier.OutcomeRetry,
			Delay:      o.Delay,
			HostFault:  o.HostFault,
			DNS:        o.DNS,
			KeepBudget: o.Backpressure,
		}
	case KindAborted:
		return frontier.Outcome{Kind: frontier.OutcomeRetry, KeepBudget: true}
	case KindFailed:
		switch {
		case o.DNS:
			return frontier.Outcome{Kind: frontier.OutcomeDNSFailure}
		case o.HostFault:
			return frontier.Outcome{Kind: frontier.OutcomeFailure}
		}
	}
	return frontier.Outcome{Kind: frontier.OutcomeSuccess}
}
