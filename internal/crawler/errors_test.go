package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyNetError(t *testing.T) {
	t.Parallel()

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "nope.test", IsNotFound: true}, want: ErrDNSFailure},
		{name: "dns timeout", err: &net.DNSError{Err: "i/o timeout", Name: "slow.test", IsTimeout: true}, want: ErrTimeout},
		{name: "refused", err: refused, want: ErrConnectionRefused},
		{name: "deadline", err: fmt.Errorf("get: %w", context.DeadlineExceeded), want: ErrTimeout},
		{name: "tls text", err: errors.New("remote error: tls: handshake failure"), want: ErrTLS},
		{name: "timeout text", err: errors.New("net/http: TLS handshake timeout"), want: ErrTimeout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ClassifyNetError("https://example.com/", tc.err)
			require.ErrorIs(t, got, tc.want)
			require.ErrorIs(t, got, tc.err)
			var fe *FetchError
			require.ErrorAs(t, got, &fe)
			assert.Equal(t, "https://example.com/", fe.URL)
		})
	}
}

func TestClassifyNetErrorPassesThrough(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ClassifyNetError("https://example.com/", nil))

	other := errors.New("something else")
	assert.Same(t, other, ClassifyNetError("https://example.com/", other))

	already := NewFetchError(ErrTooLarge, "https://example.com/", nil)
	assert.Same(t, error(already), ClassifyNetError("https://example.com/", already))
	assert.Equal(t, "fetch https://example.com/: body too large", already.Error())
}

func TestIsTLSHandshakeTimeout(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTLSHandshakeTimeout(errors.New("net/http: TLS handshake timeout")))
	assert.False(t, IsTLSHandshakeTimeout(errors.New("x509: certificate signed by unknown authority")))
	assert.False(t, IsTLSHandshakeTimeout(nil))
}
