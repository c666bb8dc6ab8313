package gcs_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/searchcore/internal/storage/gcs"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = gcs.New(client, gcs.Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	var gotName string
	var gotBody []byte
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/archive/o")
		gotName = r.URL.Query().Get("name")
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		gotBody = body
		fmt.Fprintf(w, `{"name": %q, "bucket": "archive"}`, gotName)
	})
	s, err := gcs.New(newTestClient(t, handler), gcs.Config{Bucket: "archive", Prefix: "/raw/"})
	require.NoError(t, err)

	uri, err := s.PutObject(context.Background(), "ab/abcdef.html", "text/html", bytes.NewReader([]byte("<p>hi</p>")))
	require.NoError(t, err)
	assert.Equal(t, "gs://archive/raw/ab/abcdef.html", uri)
	assert.Equal(t, "raw/ab/abcdef.html", gotName)
	assert.Contains(t, string(gotBody), "<p>hi</p>")
	require.NoError(t, s.Close())
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()
	s, err := gcs.New(newTestClient(t, http.NotFoundHandler()), gcs.Config{Bucket: "archive"})
	require.NoError(t, err)
	_, err = s.PutObject(context.Background(), " ", "text/html", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestOpenFailsOnMissingBucket(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": {"code": 404, "message": "not found"}}`)
	}))
	defer server.Close()

	_, err := gcs.Open(context.Background(), gcs.Config{Bucket: "missing"}, zap.NewNop(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}
