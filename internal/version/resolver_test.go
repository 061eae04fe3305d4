package version

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func TestDetectInstalled(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(nil, nil)
	ctx := context.Background()

	bin := writeScript(t, dir, "exporter", `echo "exporter, version 1.7.0 (branch: HEAD)"`)
	v, ok := r.DetectInstalled(ctx, bin, "")
	require.True(t, ok)
	assert.Equal(t, "1.7.0", v.String())

	// stderr output and non-zero exit are still parsed
	noisy := writeScript(t, dir, "noisy", `echo "noisy 0.3.1" >&2; exit 1`)
	v, ok = r.DetectInstalled(ctx, noisy, "")
	require.True(t, ok)
	assert.Equal(t, "0.3.1", v.String())

	garbage := writeScript(t, dir, "garbage", `echo "no version here"`)
	_, ok = r.DetectInstalled(ctx, garbage, "")
	assert.False(t, ok)

	_, ok = r.DetectInstalled(ctx, filepath.Join(dir, "missing"), "")
	assert.False(t, ok)
	assert.Equal(t, NotInstalled, r.DetectString(ctx, filepath.Join(dir, "missing"), ""))

	// explicit command with shell metacharacters
	v, ok = r.DetectInstalled(ctx, "", fmt.Sprintf("%s | head -n1", bin))
	require.True(t, ok)
	assert.Equal(t, "1.7.0", v.String())
}

type stubSource struct {
	tag string
	err error
}

func (s stubSource) Latest(ctx context.Context, repo string) (string, error) { return s.tag, s.err }

type panicSource struct{}

func (panicSource) Latest(ctx context.Context, repo string) (string, error) { panic("boom") }

func TestFetchLatestDegrades(t *testing.T) {
	ctx := context.Background()

	v, ok := NewResolver(stubSource{tag: "v2.55.1"}, nil).FetchLatest(ctx, "prometheus/prometheus")
	require.True(t, ok)
	assert.Equal(t, "2.55.1", v.String())

	_, ok = NewResolver(stubSource{err: errors.New("offline")}, nil).FetchLatest(ctx, "a/b")
	assert.False(t, ok)
	_, ok = NewResolver(stubSource{tag: "nightly"}, nil).FetchLatest(ctx, "a/b")
	assert.False(t, ok)
	_, ok = NewResolver(panicSource{}, nil).FetchLatest(ctx, "a/b")
	assert.False(t, ok)
	_, ok = NewResolver(nil, nil).FetchLatest(ctx, "a/b")
	assert.False(t, ok)
}

func TestGitHubSourceLatest(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "/repos/prometheus/node_exporter/releases/latest", r.URL.Path)
		assert.Equal(t, "token secret", r.Header.Get("Authorization"))
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"tag_name":"v1.8.2","name":"1.8.2 / 2024-07-14"}`))
	}))
	defer ts.Close()

	src := NewGitHubSource("secret", time.Second)
	src.BaseURL = ts.URL
	src.RetryInterval = time.Millisecond
	tag, err := src.Latest(context.Background(), "prometheus/node_exporter")
	require.NoError(t, err)
	assert.Equal(t, "v1.8.2", tag)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGitHubSourceNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer ts.Close()

	src := NewGitHubSource("", time.Second)
	src.BaseURL = ts.URL
	src.RetryInterval = time.Millisecond
	_, err := src.Latest(context.Background(), "nobody/nothing")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	_, err = src.Latest(context.Background(), "")
	assert.Error(t, err)
}
