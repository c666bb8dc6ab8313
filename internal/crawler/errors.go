package crawler

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// Fetch error kinds. Match them with errors.Is against a returned error.
var (
	ErrTimeout           = errors.New("timeout")
	ErrConnectionRefused = errors.New("connection refused")
	ErrDNSFailure        = errors.New("dns failure")
	ErrTLS               = errors.New("tls error")
	ErrTooLarge          = errors.New("body too large")
	ErrDecode            = errors.New("decode error")
	ErrSkippedType       = errors.New("content type not allowed")
	ErrTooManyRedirects  = errors.New("too many redirects")
	ErrRedirectLoop      = errors.New("redirect loop")
	ErrSchemeDowngrade   = errors.New("https to http downgrade")
)

// FetchError carries the failing URL alongside the error kind.
type FetchError struct {
	Kind error
	URL  string
	Err  error
}

// NewFetchError wraps cause with a fetch error kind.
func NewFetchError(kind error, rawURL string, cause error) *FetchError {
	return &FetchError{Kind: kind, URL: rawURL, Err: cause}
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %v: %v", e.URL, e.Kind, e.Err)
}

// Is reports whether target is the error kind.
func (e *FetchError) Is(target error) bool {
	return e.Kind == target
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ClassifyNetError maps a transport error onto a fetch error kind. Errors
// that do not match a known kind are returned unchanged.
func ClassifyNetError(rawURL string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	if kind := netErrorKind(err); kind != nil {
		return NewFetchError(kind, rawURL, err)
	}
	return err
}

func netErrorKind(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return ErrTimeout
		}
		return ErrDNSFailure
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrConnectionRefused
	}
	var (
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		certInvalid  x509.CertificateInvalidError
		recordHeader tls.RecordHeaderError
		verifyErr    *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &unknownAuth),
		errors.As(err, &hostnameErr),
		errors.As(err, &certInvalid),
		errors.As(err, &recordHeader),
		errors.As(err, &verifyErr):
		return ErrTLS
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return ErrTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"):
		return ErrDNSFailure
	case strings.Contains(msg, "connection refused"):
		return ErrConnectionRefused
	case strings.Contains(msg, "tls:"), strings.Contains(msg, "x509:"):
		return ErrTLS
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return ErrTimeout
	}
	return nil
}

// IsTLSHandshakeTimeout reports whether err is a TLS handshake that timed out
// rather than a certificate validation failure.
func IsTLSHandshakeTimeout(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "tls handshake timeout")
}
