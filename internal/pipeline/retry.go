package pipeline

import (
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/JakeFAU/searchcore/internal/crawler"
)

// Retry defaults.
const (
	DefaultRetryMax      = 3
	DefaultRetryBase     = time.Second
	DefaultRetryMinDelay = time.Second
	DefaultRetryMaxDelay = 60 * time.Second
	DefaultRetryJitter   = 0.2
)

// RetryPolicy schedules retries of transient failures with jittered
// exponential delays.
type RetryPolicy struct {
	Max      int
	Base     time.Duration
	MinDelay time.Duration
	MaxDelay time.Duration
	// Jitter is the +/- fraction applied to each delay.
	Jitter float64
}

// DefaultRetryPolicy returns the stock schedule: three retries, 1s base,
// +/-20% jitter, delays clamped to [1s, 60s].
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{}.withDefaults()
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Max < 0 {
		p.Max = 0
	} else if p.Max == 0 {
		p.Max = DefaultRetryMax
	}
	if p.Base <= 0 {
		p.Base = DefaultRetryBase
	}
	if p.MinDelay <= 0 {
		p.MinDelay = DefaultRetryMinDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryMaxDelay
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = DefaultRetryJitter
	}
	return p
}

// Allow reports whether an entry that has already been retried attempt
// times may be retried again.
func (p RetryPolicy) Allow(attempt int) bool {
	return attempt < p.Max
}

// Backoff returns the delay before retry number attempt (zero based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.Base) * math.Pow(2, float64(max(attempt, 0)))
	if p.Jitter > 0 {
		delay *= 1 + p.Jitter*randomUnit()
	}
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return max(time.Duration(delay), p.MinDelay)
}

// randomUnit returns a value in [-1, 1).
func randomUnit() float64 {
	const span = 1 << 30
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return 0
	}
	return float64(n.Int64())/float64(span)*2 - 1
}

// failure is a classified fetch problem.
type failure struct {
	transient bool
	dns       bool
	hostFault bool
	reason    string
}

// classifyError sorts fetch errors into transient and permanent classes.
// Untyped errors are treated as transient.
func classifyError(err error) failure {
	switch {
	case errors.Is(err, crawler.ErrDNSFailure):
		return failure{transient: true, dns: true, hostFault: true, reason: "dns_failure"}
	case errors.Is(err, crawler.ErrTimeout):
		return failure{transient: true, hostFault: true, reason: "timeout"}
	case errors.Is(err, crawler.ErrConnectionRefused):
		return failure{transient: true, hostFault: true, reason: "connection_refused"}
	case errors.Is(err, crawler.ErrTLS):
		if crawler.IsTLSHandshakeTimeout(err) {
			return failure{transient: true, hostFault: true, reason: "tls_handshake_timeout"}
		}
		return failure{reason: "tls"}
	case errors.Is(err, crawler.ErrTooLarge):
		return failure{reason: "too_large"}
	case errors.Is(err, crawler.ErrDecode):
		return failure{reason: "decode"}
	case errors.Is(err, crawler.ErrTooManyRedirects):
		return failure{reason: "too_many_redirects"}
	case errors.Is(err, crawler.ErrRedirectLoop):
		return failure{reason: "redirect_loop"}
	case errors.Is(err, crawler.ErrSchemeDowngrade):
		return failure{reason: "scheme_downgrade"}
	case errors.Is(err, crawler.ErrUnsupportedScheme):
		return failure{reason: "unsupported_scheme"}
	default:
		return failure{transient: true, reason: "fetch_error"}
	}
}

// classifyStatus sorts non-2xx responses. ok is true for 2xx.
func classifyStatus(code int) (failure, bool) {
	switch {
	case code >= 200 && code < 300:
		return failure{}, true
	case code == http.StatusTooManyRequests:
		return failure{transient: true, hostFault: true, reason: "http_429"}, false
	case code >= 500:
		return failure{transient: true, hostFault: true, reason: "http_5xx"}, false
	case code >= 400:
		return failure{reason: "http_4xx"}, false
	default:
		return failure{reason: "http_status"}, false
	}
}
