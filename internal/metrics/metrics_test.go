package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if crawlerPagesTotal == nil || searchDurationSeconds == nil ||
		httpRequestsTotal == nil || frontierPending == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveCrawl("http://init-test.example/", "success", 10)
	if val := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("init-test.example", "success")); val != 1 {
		t.Errorf("Expected crawlerPagesTotal to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("init-test.example")); val != 10 {
		t.Errorf("Expected crawlerBytesTotal to be 10, got %f", val)
	}
}

func TestFrontierGauges(t *testing.T) {
	Init()

	SetFrontierSize("gauge-session", 7, 2)
	if val := testutil.ToFloat64(frontierPending.WithLabelValues("gauge-session")); val != 7 {
		t.Errorf("Expected pending gauge 7, got %f", val)
	}
	if val := testutil.ToFloat64(frontierInFlight.WithLabelValues("gauge-session")); val != 2 {
		t.Errorf("Expected in-flight gauge 2, got %f", val)
	}
	ForgetFrontier("gauge-session")
}

func TestObserveSearch(t *testing.T) {
	Init()

	before := testutil.ToFloat64(searchResultsTotal.WithLabelValues("test-outcome"))
	ObserveSearch("test-outcome", time.Millisecond)
	if val := testutil.ToFloat64(searchResultsTotal.WithLabelValues("test-outcome")); val != before+1 {
		t.Errorf("Expected search counter to grow by one, got %f", val-before)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
