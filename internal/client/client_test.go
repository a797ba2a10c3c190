package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/anstrom/nesspipe/internal/errors"
	"github.com/anstrom/nesspipe/internal/metrics"
)

const testToken = "abc123"

type fakeScanner struct {
	mux       *http.ServeMux
	statusSeq []string
	polls     atomic.Int32
}

func newFakeScanner(t *testing.T) *fakeScanner {
	f := &fakeScanner{mux: http.NewServeMux(), statusSeq: []string{"loading", "ready"}}

	f.mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		var login map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&login))
		if login["username"] != "reader" || login["password"] != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid Credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": testToken})
	})
	f.mux.HandleFunc("DELETE /session", f.authed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	f.mux.HandleFunc("GET /scans", f.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"scans": []map[string]any{
			{"id": 5, "name": "weekly", "status": "completed", "creation_date": 1700000000, "last_modification_date": 1700003600},
			{"id": 8, "name": "adhoc", "status": "running", "creation_date": 1700900000, "last_modification_date": 1700900000},
			{"id": 7, "name": "monthly", "status": "completed", "creation_date": 1700500000, "last_modification_date": 1700503600},
		}})
	}))
	f.mux.HandleFunc("POST /scans/{id}/export", f.authed(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "nessus", body["format"])
		writeJSON(w, http.StatusOK, map[string]int{"file": 99})
	}))
	f.mux.HandleFunc("GET /scans/{id}/export/99/status", f.authed(func(w http.ResponseWriter, r *http.Request) {
		n := int(f.polls.Add(1)) - 1
		if n >= len(f.statusSeq) {
			n = len(f.statusSeq) - 1
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": f.statusSeq[n]})
	}))
	f.mux.HandleFunc("GET /scans/{id}/export/99/download", f.authed(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<NessusClientData_v2 scan="` + r.PathValue("id") + `"/>`))
	}))
	f.mux.HandleFunc("POST /scans/{id}/launch", f.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"scan_uuid": "run-" + r.PathValue("id")})
	}))
	f.mux.HandleFunc("POST /scans/{id}/{action}", f.authed(func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "404" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "The requested file was not found"})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	return f
}

func (f *fakeScanner) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Cookie") != "token="+testToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid Credentials"})
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type countingRecorder struct {
	metrics.Nop
	mu       sync.Mutex
	requests map[string]int
}

func (r *countingRecorder) IncrementClientRequests(method, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.requests == nil {
		r.requests = map[string]int{}
	}
	r.requests[method+" "+status]++
}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.URL = srv.URL + "/"
	cfg.Username = "reader"
	cfg.Password = "secret"
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ExportTimeout = time.Second
	cfg.RequestsPerSecond = 0

	c, err := New(cfg, opts...)
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		url  string
		code errors.ErrorCode
	}{
		{"missing url", "", errors.CodeConfiguration},
		{"relative url", "localhost:8834/api", errors.CodeValidation},
		{"no host", "https://", errors.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.URL = tt.url
			_, err := New(cfg)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, tt.code), "got %v", err)
		})
	}

	c, err := New(Config{URL: "https://nessus.local:8834/"})
	require.NoError(t, err)
	assert.Equal(t, "https://nessus.local:8834", c.baseURL)
	assert.Equal(t, defaultPollInterval, c.cfg.PollInterval)
}

func TestLoginLogout(t *testing.T) {
	rec := &countingRecorder{}
	c := newTestClient(t, newFakeScanner(t).mux, WithRecorder(rec))
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	assert.True(t, c.Authenticated())

	require.NoError(t, c.Logout(ctx))
	assert.False(t, c.Authenticated())

	assert.Equal(t, 1, rec.requests["POST 200"])
	assert.Equal(t, 1, rec.requests["DELETE 200"])
}

func TestLoginRejected(t *testing.T) {
	c := newTestClient(t, newFakeScanner(t).mux)
	c.cfg.Password = "wrong"

	err := c.Login(context.Background())

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAuthentication))
	assert.True(t, errors.IsFatal(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "Invalid Credentials", apiErr.Message)
	assert.False(t, c.Authenticated())
}

func TestRequestsWithoutSession(t *testing.T) {
	c := newTestClient(t, newFakeScanner(t).mux)

	_, err := c.ListScans(context.Background())

	assert.True(t, errors.IsCode(err, errors.CodeAuthentication))
}

func TestListAndLatestScan(t *testing.T) {
	c := newTestClient(t, newFakeScanner(t).mux)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	scans, err := c.ListScans(ctx)
	require.NoError(t, err)
	require.Len(t, scans, 3)
	assert.Equal(t, "weekly", scans[0].Name)
	assert.True(t, scans[0].Completed())
	assert.False(t, scans[1].Completed())
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), scans[0].Created())
	assert.Equal(t, time.Unix(1700003600, 0).UTC(), scans[0].Modified())

	latest, err := c.LatestScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, latest.ID, "running scan 8 is newer but not completed")
}

func TestLatestScanNoneCompleted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /scans", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"scans": nil})
	})
	c := newTestClient(t, mux)

	_, err := c.LatestScan(context.Background())

	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestExportScan(t *testing.T) {
	scanner := newFakeScanner(t)
	scanner.statusSeq = []string{"loading", "loading", "ready"}
	c := newTestClient(t, scanner.mux)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	data, err := c.ExportScan(ctx, 5)

	require.NoError(t, err)
	assert.Equal(t, `<NessusClientData_v2 scan="5"/>`, string(data))
	assert.Equal(t, int32(3), scanner.polls.Load())
}

func TestExportLatest(t *testing.T) {
	c := newTestClient(t, newFakeScanner(t).mux)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	scan, data, err := c.ExportLatest(ctx)

	require.NoError(t, err)
	assert.Equal(t, 7, scan.ID)
	assert.Equal(t, `<NessusClientData_v2 scan="7"/>`, string(data))
}

func TestExportScanTimeout(t *testing.T) {
	scanner := newFakeScanner(t)
	scanner.statusSeq = []string{"loading"}
	c := newTestClient(t, scanner.mux)
	c.cfg.ExportTimeout = 50 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	_, err := c.ExportScan(ctx, 5)

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeTimeout), "got %v", err)
	assert.True(t, errors.IsRetryable(err))
	assert.Greater(t, scanner.polls.Load(), int32(1))
}

func TestExportScanFailedStatus(t *testing.T) {
	scanner := newFakeScanner(t)
	scanner.statusSeq = []string{"error"}
	c := newTestClient(t, scanner.mux)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	_, err := c.ExportScan(ctx, 5)

	assert.True(t, errors.IsCode(err, errors.CodeExportFailed), "got %v", err)
}

func TestExportScanCanceled(t *testing.T) {
	scanner := newFakeScanner(t)
	scanner.statusSeq = []string{"loading"}
	c := newTestClient(t, scanner.mux)
	require.NoError(t, c.Login(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err := c.ExportScan(ctx, 5)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.IsCode(err, errors.CodeTimeout), "caller cancellation is not an export timeout")
}

func TestScanControl(t *testing.T) {
	c := newTestClient(t, newFakeScanner(t).mux)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	run, err := c.Launch(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "run-5", run)

	assert.NoError(t, c.Pause(ctx, 5))
	assert.NoError(t, c.Resume(ctx, 5))
	assert.NoError(t, c.Stop(ctx, 5))

	err = c.Stop(ctx, 404)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestServerErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		code    errors.ErrorCode
	}{
		{
			name: "bad gateway",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			code: errors.CodeScannerUnavailable,
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("{not json"))
			},
			code: errors.CodeScannerUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			_, err := c.ListScans(context.Background())
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, tt.code), "got %v", err)
			assert.True(t, errors.IsRetryable(err))
		})
	}
}

func TestRequestRateLimit(t *testing.T) {
	f := newFakeScanner(t)

	t.Run("requests are spaced out", func(t *testing.T) {
		c := newTestClient(t, f.mux)
		c.limiter = rate.NewLimiter(rate.Limit(20), 1)
		require.NoError(t, c.Login(context.Background()))

		start := time.Now()
		for i := 0; i < 3; i++ {
			_, err := c.ListScans(context.Background())
			require.NoError(t, err)
		}
		assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	})

	t.Run("wait longer than the deadline", func(t *testing.T) {
		c := newTestClient(t, f.mux)
		c.limiter = rate.NewLimiter(rate.Limit(0.1), 1)
		require.NoError(t, c.Login(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := c.ListScans(ctx)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeTimeout))
	})

	t.Run("default config limits", func(t *testing.T) {
		c, err := New(DefaultConfig())
		require.NoError(t, err)
		require.NotNil(t, c.limiter)
		assert.Equal(t, rate.Limit(defaultRequestRate), c.limiter.Limit())
	})
}

func TestUnreachableScanner(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, err := New(Config{URL: srv.URL, RequestTimeout: time.Second})
	require.NoError(t, err)

	_, err = c.ListScans(context.Background())
	assert.True(t, errors.IsCode(err, errors.CodeScannerUnavailable), "got %v", err)
}
