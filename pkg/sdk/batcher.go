package sdk

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lenshq/backend/pkg/transport"
)

const userAgent = "lens-go-sdk/1.0"

const laneCount = 3

type laneKind int

const (
	laneError laneKind = iota
	laneSession
	laneNetwork
)

func (k laneKind) String() string {
	switch k {
	case laneError:
		return "error"
	case laneSession:
		return "session-event"
	case laneNetwork:
		return "network-event"
	}
	return "unknown"
}

func (k laneKind) path() string {
	switch k {
	case laneError:
		return "/api/capture/error"
	case laneSession:
		return "/api/capture/session-event"
	case laneNetwork:
		return "/api/capture/network-event"
	}
	return "/api/capture/error"
}

// pendingEvent is an event already marshaled at capture time. Marshaling
// early surfaces encoding problems to the caller instead of the flush loop.
type pendingEvent struct {
	payload  json.RawMessage
	severity int
	at       time.Time
}

// lane buffers pending events for one capture endpoint.
type lane struct {
	mu      sync.Mutex
	pending []pendingEvent
}

// add appends ev and returns the new size. When spillCap > 0 and the lane
// has grown past it, the oldest overflow is returned for the caller to park
// offline so a dead backend cannot grow lanes without bound.
func (l *lane) add(ev pendingEvent, spillCap int) (spilled []pendingEvent, size int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, ev)
	if spillCap > 0 && len(l.pending) > spillCap {
		n := len(l.pending) - spillCap
		spilled = make([]pendingEvent, n)
		copy(spilled, l.pending[:n])
		l.pending = append(l.pending[:0], l.pending[n:]...)
	}
	return spilled, len(l.pending)
}

// take removes and returns up to max of the oldest pending events.
func (l *lane) take(max int) []pendingEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil
	}
	n := min(max, len(l.pending))
	out := make([]pendingEvent, n)
	copy(out, l.pending[:n])
	l.pending = append(l.pending[:0], l.pending[n:]...)
	return out
}

func (l *lane) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// TerminalError reports a response the server will never accept, such as a
// validation rejection. Batches that fail this way are dropped rather than
// parked, since retrying them can only fail again.
type TerminalError struct {
	Status int
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("sdk: server rejected request with status %d", e.Status)
}

// batchEnvelope is the wire shape shared by all three capture endpoints.
// Errors carry their session binding per item; session and network events
// inherit the client session unless an item overrides it.
type batchEnvelope struct {
	SessionID string            `json:"session_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Errors    []json.RawMessage `json:"errors,omitempty"`
	Events    []json.RawMessage `json:"events,omitempty"`
}

func (c *Client) enqueue(kind laneKind, ev interface{}, severity int, at time.Time) error {
	if c.isClosed() {
		return ErrClosed
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sdk: encode event: %w", err)
	}
	spilled, size := c.lanes[kind].add(
		pendingEvent{payload: payload, severity: severity, at: at},
		c.maxBatch*laneSpillMultiple,
	)
	for _, sp := range spilled {
		c.parkPending(kind, sp)
	}
	if size >= c.maxBatch {
		c.triggerFlush()
	}
	return nil
}

// parkPending moves an undeliverable event into the offline store and
// reports any eviction the store had to make for it.
func (c *Client) parkPending(kind laneKind, ev pendingEvent) {
	dropped := c.offline.park(storedEvent{
		kind:     kind,
		severity: ev.severity,
		at:       ev.at,
		payload:  ev.payload,
	})
	if dropped > 0 && c.cfg.OnDrop != nil {
		c.cfg.OnDrop(kind.String(), dropped)
	}
}

// flushAll drains every lane in batches and then replays the offline
// backlog. The first delivery failure per lane stops that lane for this
// round; its remaining events stay queued.
func (c *Client) flushAll(ctx context.Context) error {
	var firstErr error
	for kind := laneKind(0); kind < laneCount; kind++ {
		for {
			batch := c.lanes[kind].take(c.maxBatch)
			if len(batch) == 0 {
				break
			}
			if err := c.deliver(ctx, kind, batch); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				break
			}
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return c.drainOffline(ctx)
}

// deliver sends one batch. Terminal rejections drop the batch and return
// nil so the lane keeps moving; every other failure parks the batch offline
// and reports the error.
func (c *Client) deliver(ctx context.Context, kind laneKind, batch []pendingEvent) error {
	payloads := make([]json.RawMessage, len(batch))
	for i, ev := range batch {
		payloads[i] = ev.payload
	}
	body, err := c.batchBody(kind, payloads)
	if err != nil {
		return fmt.Errorf("sdk: encode batch: %w", err)
	}

	err = c.send(ctx, kind, body)
	if err == nil {
		return nil
	}
	var term *TerminalError
	if errors.As(err, &term) {
		if c.cfg.OnDrop != nil {
			c.cfg.OnDrop(kind.String(), len(batch))
		}
		return nil
	}
	for _, ev := range batch {
		c.parkPending(kind, ev)
	}
	return err
}

func (c *Client) batchBody(kind laneKind, payloads []json.RawMessage) ([]byte, error) {
	env := batchEnvelope{}
	if kind == laneError {
		env.Errors = payloads
	} else {
		env.SessionID = c.sessionID
		env.UserID = c.cfg.UserID
		env.Events = payloads
	}
	return json.Marshal(env)
}

// send posts one batch body with retries. The idempotency key is derived
// from the uncompressed body once, so every retry and every re-drain of the
// same content within a minute replays server-side instead of duplicating.
func (c *Client) send(ctx context.Context, kind laneKind, body []byte) error {
	target := c.endpoint + kind.path()
	key := idempotencyKey(http.MethodPost, target, body, c.sessionID, time.Now())
	wire, headers := c.encodeBody(body)

	start := time.Now()
	var lastErr error
	for attempt := 0; ; attempt++ {
		done, err := c.breaker.Allow()
		if err != nil {
			return fmt.Errorf("sdk: %w", err)
		}
		status, hdr, result, err := c.post(ctx, target, key, wire, headers)
		done(err == nil && status < http.StatusInternalServerError && status != http.StatusTooManyRequests)

		switch {
		case err == nil && status < http.StatusMultipleChoices:
			if result != nil && c.cfg.OnResult != nil {
				c.cfg.OnResult(kind.String(), *result)
			}
			return nil
		case err == nil && !transport.Retryable(status, nil):
			return &TerminalError{Status: status}
		case err != nil:
			lastErr = fmt.Errorf("sdk: post %s: %w", kind.path(), err)
		default:
			lastErr = fmt.Errorf("sdk: server returned status %d", status)
		}

		if attempt >= c.policy.MaxRetries {
			return lastErr
		}
		wait := c.policy.Backoff(attempt)
		if hdr != nil {
			wait = transport.RetryAfter(hdr, wait)
		}
		if c.policy.MaxElapsed > 0 && time.Since(start)+wait > c.policy.MaxElapsed {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) post(ctx context.Context, target, key string, wire []byte, headers map[string]string) (int, http.Header, *CaptureResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(wire))
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("X-Idempotency-Key", key)
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	var result *CaptureResult
	if resp.StatusCode < http.StatusMultipleChoices {
		var cr CaptureResult
		if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&cr); decodeErr == nil {
			result = &cr
		}
	}
	// Drain whatever remains so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, resp.Header, result, nil
}

// encodeBody compresses the body when it crosses the configured threshold.
// In octet-stream mode the compressed payload is labeled with its original
// content type instead of a Content-Encoding header, for intermediaries
// that strip or mangle encoded request bodies.
func (c *Client) encodeBody(body []byte) ([]byte, map[string]string) {
	headers := map[string]string{"Content-Type": "application/json"}
	if c.gzipMin < 0 || len(body) < c.gzipMin {
		return body, headers
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return body, headers
	}
	if err := zw.Close(); err != nil {
		return body, headers
	}

	if c.cfg.OctetStream {
		return buf.Bytes(), map[string]string{
			"Content-Type":            "application/octet-stream",
			"X-Original-Content-Type": "application/json",
		}
	}
	headers["Content-Encoding"] = "gzip"
	return buf.Bytes(), headers
}

// drainOffline replays the parked backlog oldest first. One failed batch
// aborts the round and re-parks everything already pulled but not sent.
func (c *Client) drainOffline(ctx context.Context) error {
	for {
		parked := c.offline.drain(c.maxBatch)
		if len(parked) == 0 {
			return nil
		}
		var grouped [laneCount][]pendingEvent
		for _, ev := range parked {
			grouped[ev.kind] = append(grouped[ev.kind], pendingEvent{
				payload:  ev.payload,
				severity: ev.severity,
				at:       ev.at,
			})
		}
		for kind := laneKind(0); kind < laneCount; kind++ {
			batch := grouped[kind]
			if len(batch) == 0 {
				continue
			}
			if err := c.deliver(ctx, kind, batch); err != nil {
				// deliver re-parked its own batch; put the rest back too.
				for rest := kind + 1; rest < laneCount; rest++ {
					for _, ev := range grouped[rest] {
						c.parkPending(rest, ev)
					}
				}
				return err
			}
		}
	}
}

// idempotencyKey folds the request identity and a minute bucket into a
// stable key. Retries of one send share it by construction; a re-drain of
// identical content within the same minute also collapses server-side.
func idempotencyKey(method, url string, body []byte, sessionID string, at time.Time) string {
	bodySum := sha256.Sum256(body)
	material := fmt.Sprintf("%s|%s|%x|%s|%d", method, url, bodySum, sessionID, at.Unix()/60)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}
