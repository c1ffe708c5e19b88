package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lenshq/backend/internal/config"
	"github.com/lenshq/backend/internal/core"
)

func testAlertsConfig() config.AlertsConfig {
	return config.AlertsConfig{
		Workers:        1,
		QueueCapacity:  8,
		TimeoutSeconds: 2,
		Attempts:       3,
		RetryBackoffMs: 10,
	}
}

type deliveryOutcome struct {
	id        string
	delivered bool
}

type fakeEndpoints struct {
	mu            sync.Mutex
	endpoints     []core.WebhookEndpoint
	outcomes      []deliveryOutcome
	listErr       error
	sawOnlyActive bool
}

func (f *fakeEndpoints) ListWebhookEndpoints(ctx context.Context, projectID string, onlyActive bool) ([]core.WebhookEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sawOnlyActive = onlyActive
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]core.WebhookEndpoint, 0, len(f.endpoints))
	for _, ep := range f.endpoints {
		if ep.ProjectID != projectID {
			continue
		}
		if onlyActive && !ep.Active {
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

func (f *fakeEndpoints) RecordWebhookDelivery(ctx context.Context, id string, delivered bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, deliveryOutcome{id: id, delivered: delivered})
	return nil
}

func (f *fakeEndpoints) recorded() []deliveryOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deliveryOutcome(nil), f.outcomes...)
}

func (f *fakeEndpoints) onlyActiveSeen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sawOnlyActive
}

type receivedAlert struct {
	kind      string
	alertID   string
	attempt   string
	signature string
	body      []byte
}

// alertReceiver stands in for a subscriber's webhook endpoint. The first
// failAttempts requests are answered 500.
type alertReceiver struct {
	mu           sync.Mutex
	got          []receivedAlert
	failAttempts int
}

func (r *alertReceiver) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.got = append(r.got, receivedAlert{
			kind:      req.Header.Get("X-Lens-Alert"),
			alertID:   req.Header.Get("X-Lens-Alert-ID"),
			attempt:   req.Header.Get("X-Lens-Attempt"),
			signature: req.Header.Get("X-Lens-Signature"),
			body:      body,
		})
		fail := len(r.got) <= r.failAttempts
		r.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (r *alertReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *alertReceiver) alert(t *testing.T, i int) receivedAlert {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Greater(t, len(r.got), i)
	return r.got[i]
}

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
}

func sampleGroup() *core.ErrorGroup {
	return &core.ErrorGroup{
		ID:        "grp-1",
		ProjectID: "proj-1",
		Title:     "TypeError: boom",
		Status:    core.StatusOpen,
		Priority:  core.PriorityHigh,
	}
}

func TestDeliverySignsAndLabels(t *testing.T) {
	recv := &alertReceiver{}
	srv := httptest.NewServer(recv.handler())
	defer srv.Close()

	store := &fakeEndpoints{endpoints: []core.WebhookEndpoint{{
		ID: "wh-1", ProjectID: "proj-1", URL: srv.URL, Secret: "whsec_test", Active: true,
	}}}
	d := NewDispatcher(testAlertsConfig(), store, nil, zerolog.Nop())
	startDispatcher(t, d)

	d.NotifyGroupCreated(sampleGroup())

	require.Eventually(t, func() bool { return recv.count() == 1 },
		2*time.Second, 10*time.Millisecond)

	got := recv.alert(t, 0)
	assert.Equal(t, "group.created", got.kind)
	assert.NotEmpty(t, got.alertID)
	assert.Equal(t, "1", got.attempt)
	assert.Equal(t, Signature("whsec_test", got.body), got.signature)

	var a Alert
	require.NoError(t, json.Unmarshal(got.body, &a))
	assert.Equal(t, KindGroupCreated, a.Kind)
	assert.Equal(t, "proj-1", a.ProjectID)
	require.NotNil(t, a.Group)
	assert.Equal(t, "grp-1", a.Group.ID)
	assert.Equal(t, "TypeError: boom", a.Group.Title)

	require.Eventually(t, func() bool { return len(store.recorded()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, deliveryOutcome{id: "wh-1", delivered: true}, store.recorded()[0])
	assert.True(t, store.onlyActiveSeen(), "delivery view must exclude disabled endpoints")
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	recv := &alertReceiver{failAttempts: 2}
	srv := httptest.NewServer(recv.handler())
	defer srv.Close()

	store := &fakeEndpoints{endpoints: []core.WebhookEndpoint{{
		ID: "wh-1", ProjectID: "proj-1", URL: srv.URL, Secret: "whsec_test", Active: true,
	}}}
	d := NewDispatcher(testAlertsConfig(), store, nil, zerolog.Nop())
	startDispatcher(t, d)

	d.NotifyGroupResolved(sampleGroup())

	require.Eventually(t, func() bool { return len(store.recorded()) == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, recv.count())
	assert.Equal(t, "1", recv.alert(t, 0).attempt)
	assert.Equal(t, "2", recv.alert(t, 1).attempt)
	assert.Equal(t, "3", recv.alert(t, 2).attempt)
	assert.Equal(t, "group.resolved", recv.alert(t, 2).kind)
	assert.True(t, store.recorded()[0].delivered)
}

func TestDeliveryExhaustsRetries(t *testing.T) {
	recv := &alertReceiver{failAttempts: 100}
	srv := httptest.NewServer(recv.handler())
	defer srv.Close()

	store := &fakeEndpoints{endpoints: []core.WebhookEndpoint{{
		ID: "wh-1", ProjectID: "proj-1", URL: srv.URL, Secret: "whsec_test", Active: true,
	}}}
	d := NewDispatcher(testAlertsConfig(), store, nil, zerolog.Nop())
	startDispatcher(t, d)

	d.NotifyGroupCreated(sampleGroup())

	require.Eventually(t, func() bool { return len(store.recorded()) == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, deliveryOutcome{id: "wh-1", delivered: false}, store.recorded()[0])
	assert.Equal(t, 3, recv.count(), "attempts stop at the configured cap")
}

func TestEndpointEventFilter(t *testing.T) {
	wanted := &alertReceiver{}
	wantedSrv := httptest.NewServer(wanted.handler())
	defer wantedSrv.Close()
	filtered := &alertReceiver{}
	filteredSrv := httptest.NewServer(filtered.handler())
	defer filteredSrv.Close()

	store := &fakeEndpoints{endpoints: []core.WebhookEndpoint{
		{ID: "wh-all", ProjectID: "proj-1", URL: wantedSrv.URL, Secret: "whsec_a", Active: true},
		{ID: "wh-resolved", ProjectID: "proj-1", URL: filteredSrv.URL, Secret: "whsec_b", Active: true,
			Events: pq.StringArray{KindGroupResolved}},
	}}
	d := NewDispatcher(testAlertsConfig(), store, nil, zerolog.Nop())
	startDispatcher(t, d)

	d.NotifyGroupCreated(sampleGroup())

	// The empty-events endpoint takes everything; the resolved-only endpoint
	// must stay quiet for a created alert.
	require.Eventually(t, func() bool { return len(store.recorded()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, wanted.count())
	assert.Equal(t, 0, filtered.count())
}

func TestLookupFailureSkipsDelivery(t *testing.T) {
	store := &fakeEndpoints{listErr: errors.New("database gone")}
	d := NewDispatcher(testAlertsConfig(), store, nil, zerolog.Nop())
	startDispatcher(t, d)

	d.NotifyGroupCreated(sampleGroup())

	require.Eventually(t, func() bool { return d.QueueDepth() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Empty(t, store.recorded())
}

func TestQueueShedsWhenFull(t *testing.T) {
	cfg := testAlertsConfig()
	cfg.QueueCapacity = 2
	d := NewDispatcher(cfg, &fakeEndpoints{}, nil, zerolog.Nop())

	// No workers running: the queue holds two and sheds the third.
	d.NotifyGroupCreated(sampleGroup())
	d.NotifyGroupCreated(sampleGroup())
	d.NotifyGroupCreated(sampleGroup())

	assert.Equal(t, 2, d.QueueDepth())
}

func TestNilDispatcherIsInert(t *testing.T) {
	var d *Dispatcher
	assert.NotPanics(t, func() {
		d.NotifyGroupCreated(sampleGroup())
		d.NotifyGroupResolved(nil)
	})
	assert.Equal(t, 0, d.QueueDepth())
}

func TestSignatureShape(t *testing.T) {
	sig := Signature("whsec_test", []byte(`{"kind":"group.created"}`))
	assert.True(t, len(sig) == len("sha256=")+64, "hex HMAC-SHA256 is 64 chars")
	assert.Contains(t, sig, "sha256=")

	other := Signature("whsec_other", []byte(`{"kind":"group.created"}`))
	assert.NotEqual(t, sig, other, "signature must depend on the secret")
}
