// Package sdk is the Lens capture client. It buffers errors, replay events,
// and network records locally, ships them to the backend in batches, and
// survives outages with retries, a circuit breaker, and a tiered offline
// buffer that drains oldest-first on reconnect.
//
// Quick start:
//
//	client, err := sdk.NewClient(sdk.Config{
//	    Endpoint: "https://lens.example.com",
//	    APIKey:   os.Getenv("LENS_API_KEY"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.CaptureError(sdk.ErrorEvent{
//	    Message:  "payment declined: card expired",
//	    Severity: sdk.SeverityError,
//	    URL:      "/checkout",
//	})
//
// Captures are asynchronous: they enqueue and return immediately, and the
// background flusher delivers them on the flush interval or as soon as a
// batch fills.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lenshq/backend/pkg/transport"
)

// ErrClosed rejects captures after Close.
var ErrClosed = errors.New("sdk: client closed")

const (
	defaultFlushInterval = 2 * time.Second
	defaultBatchSize     = 50
	maxBatchSize         = 100
	defaultGzipMin       = 4 << 10
	defaultTimeout       = 10 * time.Second

	// Live lanes spill their oldest events to the offline buffer past
	// this multiple of the batch size, so a stuck flusher cannot grow
	// memory without bound.
	laneSpillMultiple = 8
)

// Config holds the client configuration.
type Config struct {
	// Endpoint is the backend base URL (required), e.g.
	// "https://lens.example.com".
	Endpoint string

	// APIKey authenticates every request (required).
	APIKey string

	// SessionID labels captures that do not carry their own session ID.
	// Generated when empty; one client instance maps to one session.
	SessionID string

	// UserID rides along on session and network batches.
	UserID string

	// FlushInterval paces the background flusher. Default 2s.
	FlushInterval time.Duration

	// MaxBatchSize caps events per request, at most 100. Default 50.
	MaxBatchSize int

	// GzipMinBytes compresses bodies at or above this size. Zero means
	// the 4 KiB default; negative disables compression.
	GzipMinBytes int

	// OctetStream sends compressed bodies as application/octet-stream
	// with X-Original-Content-Type, for proxies that strip
	// Content-Encoding.
	OctetStream bool

	// Timeout bounds a single HTTP attempt. Default 10s.
	Timeout time.Duration

	// Policy overrides the retry schedule; nil takes the default.
	Policy *transport.Policy

	// Breaker overrides the circuit breaker tuning; nil takes the default.
	Breaker *transport.BreakerConfig

	// Offline sizes the outage buffer; the zero value takes the defaults.
	Offline OfflineConfig

	// OnResult observes server acknowledgements, including per-item
	// rejections. Called from the flusher goroutine.
	OnResult func(kind string, result CaptureResult)

	// OnDrop observes events dropped for good: terminal server
	// rejections and offline evictions. Called from the flusher goroutine.
	OnDrop func(kind string, count int)

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client captures events for one project. All methods are safe for
// concurrent use.
type Client struct {
	cfg       Config
	endpoint  string
	sessionID string
	gzipMin   int
	maxBatch  int

	http    *http.Client
	policy  transport.Policy
	breaker *transport.Breaker
	offline *offlineStore

	lanes [laneCount]*lane

	flushCh   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient validates cfg, fills defaults, and starts the background
// flusher. Callers must Close the client to deliver buffered events.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("sdk: endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("sdk: invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("sdk: api key is required")
	}

	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultBatchSize
	}
	if cfg.MaxBatchSize > maxBatchSize {
		cfg.MaxBatchSize = maxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	gzipMin := cfg.GzipMinBytes
	if gzipMin == 0 {
		gzipMin = defaultGzipMin
	}

	policy := transport.DefaultPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	breakerCfg := transport.DefaultBreakerConfig("lens-sdk")
	if cfg.Breaker != nil {
		breakerCfg = *cfg.Breaker
	}

	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		cfg:       cfg,
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		sessionID: sessionID,
		gzipMin:   gzipMin,
		maxBatch:  cfg.MaxBatchSize,
		http:      httpClient,
		policy:    policy,
		breaker:   transport.NewBreaker(breakerCfg),
		offline:   newOfflineStore(cfg.Offline),
		flushCh:   make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	for i := range c.lanes {
		c.lanes[i] = &lane{}
	}

	c.wg.Add(1)
	go c.run()
	return c, nil
}

// SessionID returns the session this client stamps on captures that carry
// none of their own.
func (c *Client) SessionID() string { return c.sessionID }

// Offline reports the parked backlog.
func (c *Client) Offline() OfflineStats { return c.offline.stats() }

// CaptureError enqueues one error.
func (c *Client) CaptureError(ev ErrorEvent) error {
	if ev.Message == "" {
		return errors.New("sdk: message is required")
	}
	if ev.SessionID == "" {
		ev.SessionID = c.sessionID
	}
	c.stampNow(&ev.Timestamp)
	return c.enqueue(laneError, ev, severityRank(ev.Severity), eventTime(ev.Timestamp))
}

// CaptureSessionEvent enqueues one replay event.
func (c *Client) CaptureSessionEvent(ev SessionEvent) error {
	if ev.EventType == "" {
		return errors.New("sdk: event_type is required")
	}
	if ev.SessionID == "" {
		ev.SessionID = c.sessionID
	}
	c.stampNow(&ev.Timestamp)
	return c.enqueue(laneSession, ev, severityRank(""), eventTime(ev.Timestamp))
}

// CaptureNetworkEvent enqueues one network record.
func (c *Client) CaptureNetworkEvent(ev NetworkEvent) error {
	if ev.Method == "" || ev.URL == "" {
		return errors.New("sdk: method and url are required")
	}
	if ev.SessionID == "" {
		ev.SessionID = c.sessionID
	}
	c.stampNow(&ev.Timestamp)
	return c.enqueue(laneNetwork, ev, severityRank(""), eventTime(ev.Timestamp))
}

// stampNow fixes the capture time client-side so events parked through an
// outage keep their true timestamps.
func (c *Client) stampNow(ts **time.Time) {
	if *ts == nil || (*ts).IsZero() {
		now := time.Now().UTC()
		*ts = &now
	}
}

func eventTime(ts *time.Time) time.Time {
	if ts != nil {
		return *ts
	}
	return time.Now().UTC()
}

// Flush synchronously delivers everything buffered, offline backlog
// included. The first delivery failure is returned; parked events stay
// parked for the next attempt.
func (c *Client) Flush(ctx context.Context) error {
	return c.flushAll(ctx)
}

// Close stops the flusher and makes a final bounded delivery attempt.
// Undeliverable events remain in the offline buffer and are lost with the
// process.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = c.flushAll(ctx)
	})
	return err
}

func (c *Client) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		case <-c.flushCh:
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.flushBudget())
		// Failed batches are parked offline; the next round retries them.
		_ = c.flushAll(ctx)
		cancel()
	}
}

// flushBudget bounds one background flush round so the loop keeps pace
// with the ticker even while the backend flaps.
func (c *Client) flushBudget() time.Duration {
	budget := 30 * time.Second
	if c.policy.MaxElapsed > 0 && c.policy.MaxElapsed < budget {
		budget = c.policy.MaxElapsed
	}
	return budget
}

func (c *Client) triggerFlush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
