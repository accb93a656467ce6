package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	return New(Config{BaseURL: baseURL, ProjectKey: "test-key", RetryMax: 0})
}

func TestPostEventOKOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v0/events", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("Memfault-Project-Key"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result, err := c.PostEvent(context.Background(), []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, OK, result)
}

func TestPostEvent4xxIsNoRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result, err := c.PostEvent(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, ErrorNoRetry, result)
}

func TestPostEvent5xxIsRetryLater(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result, err := c.PostEvent(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, ErrorRetryLater, result)
}

func TestPostAttributesUsesAttributesPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.PostAttributes(context.Background(), []byte(`[{}]`))
	require.NoError(t, err)
	assert.Equal(t, "/api/v0/attributes", gotPath)
}

func TestUploadCoredumpThreeStepProtocol(t *testing.T) {
	dir := t.TempDir()
	corePath := filepath.Join(dir, "core.bin")
	require.NoError(t, os.WriteFile(corePath, []byte("elf-core-bytes"), 0o644))

	var steps []string
	var uploadURLPrefix string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/upload", func(w http.ResponseWriter, r *http.Request) {
		steps = append(steps, "init")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"upload_url":"` + uploadURLPrefix + `/put-target","token":"tok-123"}}`))
	})
	mux.HandleFunc("/put-target", func(w http.ResponseWriter, r *http.Request) {
		steps = append(steps, "put")
		assert.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v0/upload/elf_coredump", func(w http.ResponseWriter, r *http.Request) {
		steps = append(steps, "commit")
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	uploadURLPrefix = srv.URL

	c := newTestClient(t, srv.URL)
	result, err := c.UploadCoredump(context.Background(), corePath, DeviceInfo{SoftwareType: "main", SoftwareVersion: "1.0"})
	require.NoError(t, err)
	assert.Equal(t, OK, result)
	assert.Equal(t, []string{"init", "put", "commit"}, steps)
}

func TestUploadCoredumpStopsOnInitFailure(t *testing.T) {
	dir := t.TempDir()
	corePath := filepath.Join(dir, "core.bin")
	require.NoError(t, os.WriteFile(corePath, []byte("x"), 0o644))

	var putCalled bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/upload", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/put-target", func(w http.ResponseWriter, r *http.Request) {
		putCalled = true
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result, err := c.UploadCoredump(context.Background(), corePath, DeviceInfo{})
	require.NoError(t, err)
	assert.Equal(t, ErrorRetryLater, result)
	assert.False(t, putCalled)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "ok", OK.String())
	assert.Equal(t, "retry_later", ErrorRetryLater.String())
	assert.Equal(t, "no_retry", ErrorNoRetry.String())
}
