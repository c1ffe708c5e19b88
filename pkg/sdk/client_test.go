package sdk

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lenshq/backend/pkg/transport"
)

type recordedRequest struct {
	path     string
	header   http.Header
	body     []byte
	wireSize int
}

// captureServer records every capture request and plays back a scripted
// sequence of failure statuses before acknowledging.
type captureServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	failures []int
	result   *CaptureResult
}

func (s *captureServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body := raw
		if r.Header.Get("Content-Encoding") == "gzip" || r.Header.Get("X-Original-Content-Type") != "" {
			zr, zErr := gzip.NewReader(bytes.NewReader(raw))
			if zErr != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if body, zErr = io.ReadAll(zr); zErr != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}

		s.mu.Lock()
		s.requests = append(s.requests, recordedRequest{
			path:     r.URL.Path,
			header:   r.Header.Clone(),
			body:     body,
			wireSize: len(raw),
		})
		status := 0
		if len(s.failures) > 0 {
			status = s.failures[0]
			s.failures = s.failures[1:]
		}
		result := s.result
		s.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if result == nil {
			var env batchEnvelope
			_ = json.Unmarshal(body, &env)
			result = &CaptureResult{Accepted: len(env.Errors) + len(env.Events)}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

func (s *captureServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *captureServer) snapshot() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *captureServer) totalEvents() int {
	total := 0
	for _, r := range s.snapshot() {
		var env batchEnvelope
		if json.Unmarshal(r.body, &env) == nil {
			total += len(env.Errors) + len(env.Events)
		}
	}
	return total
}

func fastPolicy() *transport.Policy {
	return &transport.Policy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		MaxElapsed: 2 * time.Second,
	}
}

func noTripBreaker() *transport.BreakerConfig {
	cfg := transport.DefaultBreakerConfig("test")
	cfg.ReadyToTrip = func(transport.Counts) bool { return false }
	return &cfg
}

// newTestClient wires a client to a captureServer with a manual flush
// cadence: the hour-long interval means delivery happens only on explicit
// Flush calls or when a batch fills.
func newTestClient(t *testing.T, backend *captureServer, mutate func(*Config)) *Client {
	t.Helper()
	ts := httptest.NewServer(backend.handler())
	t.Cleanup(ts.Close)

	cfg := Config{
		Endpoint:      ts.URL,
		APIKey:        "lens_testkey",
		SessionID:     "sess-1",
		FlushInterval: time.Hour,
		GzipMinBytes:  -1,
		Policy:        fastPolicy(),
		Breaker:       noTripBreaker(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func decodeEnvelope(t *testing.T, body []byte) batchEnvelope {
	t.Helper()
	var env batchEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	return env
}

func TestNewClientRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"missing endpoint", Config{APIKey: "k"}, "endpoint is required"},
		{"relative endpoint", Config{Endpoint: "not-a-url", APIKey: "k"}, "invalid endpoint"},
		{"schemeless endpoint", Config{Endpoint: "://lens.example.com", APIKey: "k"}, "invalid endpoint"},
		{"missing api key", Config{Endpoint: "https://lens.example.com"}, "api key is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewClient(tc.cfg)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestNewClientSessionIdentity(t *testing.T) {
	generated, err := NewClient(Config{
		Endpoint:      "http://127.0.0.1:9",
		APIKey:        "k",
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)
	defer generated.Close()

	_, err = uuid.Parse(generated.SessionID())
	assert.NoError(t, err, "generated session IDs are UUIDs")

	pinned, err := NewClient(Config{
		Endpoint:      "http://127.0.0.1:9",
		APIKey:        "k",
		SessionID:     "sess-pinned",
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)
	defer pinned.Close()
	assert.Equal(t, "sess-pinned", pinned.SessionID())
}

func TestCaptureValidation(t *testing.T) {
	client, err := NewClient(Config{
		Endpoint:      "http://127.0.0.1:9",
		APIKey:        "k",
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)
	defer client.Close()

	assert.ErrorContains(t, client.CaptureError(ErrorEvent{}), "message is required")
	assert.ErrorContains(t, client.CaptureSessionEvent(SessionEvent{}), "event_type is required")
	assert.ErrorContains(t, client.CaptureNetworkEvent(NetworkEvent{Method: "GET"}), "method and url are required")
}

func TestCaptureErrorDelivery(t *testing.T) {
	backend := &captureServer{}
	client := newTestClient(t, backend, nil)

	require.NoError(t, client.CaptureError(ErrorEvent{Message: "first", Severity: SeverityError}))
	require.NoError(t, client.CaptureError(ErrorEvent{Message: "second"}))
	require.NoError(t, client.CaptureError(ErrorEvent{Message: "third"}))
	require.NoError(t, client.Flush(context.Background()))

	reqs := backend.snapshot()
	require.Len(t, reqs, 1)
	req := reqs[0]

	assert.Equal(t, "/api/capture/error", req.path)
	assert.Equal(t, "lens_testkey", req.header.Get("X-API-Key"))
	assert.Equal(t, userAgent, req.header.Get("User-Agent"))
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Empty(t, req.header.Get("Content-Encoding"))
	assert.Regexp(t, "^[0-9a-f]{64}$", req.header.Get("X-Idempotency-Key"))

	env := decodeEnvelope(t, req.body)
	require.Len(t, env.Errors, 3)
	assert.Empty(t, env.Events)
	assert.Empty(t, env.SessionID, "error items carry their own session binding")

	var first ErrorEvent
	require.NoError(t, json.Unmarshal(env.Errors[0], &first))
	assert.Equal(t, "first", first.Message)
	assert.Equal(t, "sess-1", first.SessionID)
	require.NotNil(t, first.Timestamp, "capture time is stamped client-side")
}

func TestSessionAndNetworkEnvelopes(t *testing.T) {
	backend := &captureServer{}
	client := newTestClient(t, backend, func(cfg *Config) {
		cfg.UserID = "user-9"
	})

	require.NoError(t, client.CaptureSessionEvent(SessionEvent{
		EventType: "click",
		Data:      map[string]interface{}{"selector": "#buy"},
	}))
	require.NoError(t, client.CaptureNetworkEvent(NetworkEvent{
		Method: "GET",
		URL:    "https://api.example.com/cart",
	}))
	require.NoError(t, client.Flush(context.Background()))

	reqs := backend.snapshot()
	require.Len(t, reqs, 2)

	assert.Equal(t, "/api/capture/session-event", reqs[0].path)
	sessEnv := decodeEnvelope(t, reqs[0].body)
	assert.Equal(t, "sess-1", sessEnv.SessionID)
	assert.Equal(t, "user-9", sessEnv.UserID)
	require.Len(t, sessEnv.Events, 1)
	assert.Empty(t, sessEnv.Errors)

	var click SessionEvent
	require.NoError(t, json.Unmarshal(sessEnv.Events[0], &click))
	assert.Equal(t, "click", click.EventType)

	assert.Equal(t, "/api/capture/network-event", reqs[1].path)
	netEnv := decodeEnvelope(t, reqs[1].body)
	assert.Equal(t, "sess-1", netEnv.SessionID)
	require.Len(t, netEnv.Events, 1)

	var call NetworkEvent
	require.NoError(t, json.Unmarshal(netEnv.Events[0], &call))
	assert.Equal(t, "GET", call.Method)
}

func TestBatchesSplitAtMaxBatchSize(t *testing.T) {
	backend := &captureServer{}
	client := newTestClient(t, backend, func(cfg *Config) {
		cfg.MaxBatchSize = 2
	})

	sent := make([]string, 5)
	for i := range sent {
		sent[i] = fmt.Sprintf("boom-%d", i)
		require.NoError(t, client.CaptureError(ErrorEvent{Message: sent[i]}))
	}
	require.NoError(t, client.Flush(context.Background()))

	// A full batch also triggers the background flusher, so delivery may be
	// split across that goroutine and the explicit Flush above.
	require.Eventually(t, func() bool { return backend.totalEvents() == 5 },
		3*time.Second, 10*time.Millisecond)

	var got []string
	for _, req := range backend.snapshot() {
		assert.Equal(t, "/api/capture/error", req.path)
		env := decodeEnvelope(t, req.body)
		assert.LessOrEqual(t, len(env.Errors), 2)
		assert.NotEmpty(t, env.Errors)
		for _, raw := range env.Errors {
			var ev ErrorEvent
			require.NoError(t, json.Unmarshal(raw, &ev))
			got = append(got, ev.Message)
		}
	}
	assert.ElementsMatch(t, sent, got)
}

func TestBodyEncoding(t *testing.T) {
	t.Run("small bodies stay plain", func(t *testing.T) {
		backend := &captureServer{}
		client := newTestClient(t, backend, func(cfg *Config) {
			cfg.GzipMinBytes = 4 << 10
		})
		require.NoError(t, client.CaptureError(ErrorEvent{Message: "small"}))
		require.NoError(t, client.Flush(context.Background()))

		req := backend.snapshot()[0]
		assert.Empty(t, req.header.Get("Content-Encoding"))
		assert.Equal(t, "application/json", req.header.Get("Content-Type"))
		assert.Equal(t, len(req.body), req.wireSize)
	})

	t.Run("large bodies gzip", func(t *testing.T) {
		backend := &captureServer{}
		client := newTestClient(t, backend, func(cfg *Config) {
			cfg.GzipMinBytes = 64
		})
		long := strings.Repeat("lens capture payload ", 100)
		require.NoError(t, client.CaptureError(ErrorEvent{Message: long}))
		require.NoError(t, client.Flush(context.Background()))

		req := backend.snapshot()[0]
		assert.Equal(t, "gzip", req.header.Get("Content-Encoding"))
		assert.Equal(t, "application/json", req.header.Get("Content-Type"))
		assert.Less(t, req.wireSize, len(req.body))

		env := decodeEnvelope(t, req.body)
		require.Len(t, env.Errors, 1)
	})

	t.Run("octet-stream mode hides the encoding", func(t *testing.T) {
		backend := &captureServer{}
		client := newTestClient(t, backend, func(cfg *Config) {
			cfg.GzipMinBytes = 1
			cfg.OctetStream = true
		})
		require.NoError(t, client.CaptureError(ErrorEvent{Message: "proxied"}))
		require.NoError(t, client.Flush(context.Background()))

		req := backend.snapshot()[0]
		assert.Equal(t, "application/octet-stream", req.header.Get("Content-Type"))
		assert.Equal(t, "application/json", req.header.Get("X-Original-Content-Type"))
		assert.Empty(t, req.header.Get("Content-Encoding"))

		env := decodeEnvelope(t, req.body)
		require.Len(t, env.Errors, 1)
	})
}

func TestRetryReplaysIdempotencyKey(t *testing.T) {
	backend := &captureServer{failures: []int{http.StatusInternalServerError}}
	client := newTestClient(t, backend, nil)

	require.NoError(t, client.CaptureError(ErrorEvent{Message: "flaky"}))
	require.NoError(t, client.Flush(context.Background()))

	reqs := backend.snapshot()
	require.Len(t, reqs, 2, "one failure, one retry")

	first := reqs[0].header.Get("X-Idempotency-Key")
	assert.NotEmpty(t, first)
	assert.Equal(t, first, reqs[1].header.Get("X-Idempotency-Key"),
		"retries must replay server-side, not duplicate")
}

func TestTerminalRejectionDropsBatch(t *testing.T) {
	backend := &captureServer{failures: []int{http.StatusBadRequest}}

	var mu sync.Mutex
	type drop struct {
		kind  string
		count int
	}
	var drops []drop

	client := newTestClient(t, backend, func(cfg *Config) {
		cfg.OnDrop = func(kind string, count int) {
			mu.Lock()
			drops = append(drops, drop{kind, count})
			mu.Unlock()
		}
	})

	require.NoError(t, client.CaptureError(ErrorEvent{Message: "bad-1"}))
	require.NoError(t, client.CaptureError(ErrorEvent{Message: "bad-2"}))
	require.NoError(t, client.Flush(context.Background()), "terminal rejections are not flush failures")

	assert.Equal(t, 1, backend.count(), "4xx responses are never retried")

	mu.Lock()
	require.Len(t, drops, 1)
	assert.Equal(t, drop{kind: "error", count: 2}, drops[0])
	mu.Unlock()

	assert.Zero(t, client.Offline().Total(), "dropped batches do not linger offline")
	require.NoError(t, client.Flush(context.Background()))
	assert.Equal(t, 1, backend.count())
}

func TestOutageParksThenRecovers(t *testing.T) {
	backend := &captureServer{failures: []int{
		http.StatusServiceUnavailable,
		http.StatusServiceUnavailable,
	}}
	client := newTestClient(t, backend, func(cfg *Config) {
		cfg.Policy = &transport.Policy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxElapsed: time.Second}
	})

	require.NoError(t, client.CaptureError(ErrorEvent{Message: "boom-1"}))
	require.NoError(t, client.CaptureError(ErrorEvent{Message: "boom-2"}))
	require.NoError(t, client.CaptureSessionEvent(SessionEvent{EventType: "click"}))

	err := client.Flush(context.Background())
	require.ErrorContains(t, err, "status 503")
	assert.Equal(t, 2, backend.count(), "one attempt per lane, no retries")

	st := client.Offline()
	assert.Equal(t, 3, st.Total(), "failed batches park offline")
	assert.Equal(t, 3, st.Hot)

	// Backend recovers; the next flush replays the backlog oldest-first.
	require.NoError(t, client.Flush(context.Background()))
	assert.Zero(t, client.Offline().Total())

	reqs := backend.snapshot()
	require.Len(t, reqs, 4)

	replayErrors := decodeEnvelope(t, reqs[2].body)
	assert.Equal(t, "/api/capture/error", reqs[2].path)
	require.Len(t, replayErrors.Errors, 2)

	var ev ErrorEvent
	require.NoError(t, json.Unmarshal(replayErrors.Errors[0], &ev))
	assert.Equal(t, "boom-1", ev.Message)

	assert.Equal(t, "/api/capture/session-event", reqs[3].path)
	require.Len(t, decodeEnvelope(t, reqs[3].body).Events, 1)
}

func TestCloseDeliversWhatRemains(t *testing.T) {
	backend := &captureServer{}
	client := newTestClient(t, backend, nil)

	require.NoError(t, client.CaptureError(ErrorEvent{Message: "last words"}))
	require.NoError(t, client.Close())

	reqs := backend.snapshot()
	require.Len(t, reqs, 1)
	require.Len(t, decodeEnvelope(t, reqs[0].body).Errors, 1)

	assert.ErrorIs(t, client.CaptureError(ErrorEvent{Message: "late"}), ErrClosed)
	assert.ErrorIs(t, client.CaptureSessionEvent(SessionEvent{EventType: "click"}), ErrClosed)
	assert.NoError(t, client.Close(), "close is idempotent")
}

func TestOnResultSeesServerAck(t *testing.T) {
	backend := &captureServer{result: &CaptureResult{
		Accepted: 1,
		ErrorIDs: []string{"err-1"},
		Rejected: []Rejection{{Index: 1, Reason: "message is required"}},
	}}

	var mu sync.Mutex
	var gotKind string
	var gotResult CaptureResult

	client := newTestClient(t, backend, func(cfg *Config) {
		cfg.OnResult = func(kind string, result CaptureResult) {
			mu.Lock()
			gotKind, gotResult = kind, result
			mu.Unlock()
		}
	})

	require.NoError(t, client.CaptureError(ErrorEvent{Message: "ok"}))
	require.NoError(t, client.CaptureError(ErrorEvent{Message: "dup"}))
	require.NoError(t, client.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "error", gotKind)
	assert.Equal(t, 1, gotResult.Accepted)
	require.Len(t, gotResult.Rejected, 1)
	assert.Equal(t, 1, gotResult.Rejected[0].Index)
}

func TestConcurrentCaptures(t *testing.T) {
	backend := &captureServer{}
	client := newTestClient(t, backend, nil)

	const workers = 4
	const perWorker = 30

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_ = client.CaptureError(ErrorEvent{Message: fmt.Sprintf("w%d-%d", w, i)})
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, client.Flush(context.Background()))
	require.Eventually(t, func() bool { return backend.totalEvents() == workers*perWorker },
		5*time.Second, 20*time.Millisecond)

	for _, req := range backend.snapshot() {
		env := decodeEnvelope(t, req.body)
		assert.LessOrEqual(t, len(env.Errors), defaultBatchSize)
	}
}
