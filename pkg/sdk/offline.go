package sdk

import (
	"encoding/json"
	"sync"
	"time"
)

// OfflineConfig sizes the tiered buffer that holds events while the
// backend is unreachable.
type OfflineConfig struct {
	HotCapacity  int
	WarmCapacity int
	ColdCapacity int
}

// DefaultOffline is roughly a busy hour of disconnected capture.
func DefaultOffline() OfflineConfig {
	return OfflineConfig{HotCapacity: 200, WarmCapacity: 2000, ColdCapacity: 10000}
}

// OfflineStats is a point-in-time view of the parked backlog.
type OfflineStats struct {
	Hot     int
	Warm    int
	Cold    int
	Dropped uint64
}

func (s OfflineStats) Total() int { return s.Hot + s.Warm + s.Cold }

// storedEvent is one parked payload plus the facts eviction ranks by.
type storedEvent struct {
	kind     laneKind
	severity int
	at       time.Time
	payload  json.RawMessage
}

// tier is a FIFO with a lazily compacted head.
type tier struct {
	buf  []storedEvent
	head int
	cap  int
}

func (t *tier) size() int { return len(t.buf) - t.head }

func (t *tier) push(ev storedEvent) { t.buf = append(t.buf, ev) }

func (t *tier) popFront() (storedEvent, bool) {
	if t.size() == 0 {
		return storedEvent{}, false
	}
	ev := t.buf[t.head]
	t.buf[t.head] = storedEvent{}
	t.head++
	t.compact()
	return ev, true
}

// removeAt drops the element at absolute index i (head-relative callers add
// t.head themselves).
func (t *tier) removeAt(i int) storedEvent {
	ev := t.buf[i]
	copy(t.buf[i:], t.buf[i+1:])
	t.buf[len(t.buf)-1] = storedEvent{}
	t.buf = t.buf[:len(t.buf)-1]
	return ev
}

func (t *tier) compact() {
	if t.head > 32 && t.head > len(t.buf)/2 {
		t.buf = append(t.buf[:0], t.buf[t.head:]...)
		t.head = 0
	}
}

// offlineStore holds parked events in three age tiers: new arrivals land in
// hot; overflow cascades hot to warm to cold, so cold always holds the
// oldest events. When cold is also full, the oldest event of the lowest
// severity present is dropped. Draining walks cold, then warm, then hot,
// which is global oldest-first order.
type offlineStore struct {
	mu      sync.Mutex
	hot     tier
	warm    tier
	cold    tier
	dropped uint64
}

func newOfflineStore(cfg OfflineConfig) *offlineStore {
	if cfg.HotCapacity <= 0 {
		cfg.HotCapacity = DefaultOffline().HotCapacity
	}
	if cfg.WarmCapacity <= 0 {
		cfg.WarmCapacity = DefaultOffline().WarmCapacity
	}
	if cfg.ColdCapacity <= 0 {
		cfg.ColdCapacity = DefaultOffline().ColdCapacity
	}
	return &offlineStore{
		hot:  tier{cap: cfg.HotCapacity},
		warm: tier{cap: cfg.WarmCapacity},
		cold: tier{cap: cfg.ColdCapacity},
	}
}

// park admits ev and returns how many events were dropped to make room.
func (o *offlineStore) park(ev storedEvent) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.hot.push(ev)
	if o.hot.size() <= o.hot.cap {
		return 0
	}
	if aged, ok := o.hot.popFront(); ok {
		o.warm.push(aged)
	}
	if o.warm.size() <= o.warm.cap {
		return 0
	}
	if aged, ok := o.warm.popFront(); ok {
		o.cold.push(aged)
	}
	if o.cold.size() <= o.cold.cap {
		return 0
	}
	o.evictCold()
	return 1
}

// evictCold drops the oldest entry of the lowest severity in cold.
func (o *offlineStore) evictCold() {
	lowest, at := -1, -1
	for i := o.cold.head; i < len(o.cold.buf); i++ {
		if at == -1 || o.cold.buf[i].severity < lowest {
			lowest, at = o.cold.buf[i].severity, i
		}
	}
	if at >= 0 {
		o.cold.removeAt(at)
		o.dropped++
	}
}

// drain removes up to max events in global oldest-first order.
func (o *offlineStore) drain(max int) []storedEvent {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]storedEvent, 0, max)
	for _, t := range []*tier{&o.cold, &o.warm, &o.hot} {
		for len(out) < max {
			ev, ok := t.popFront()
			if !ok {
				break
			}
			out = append(out, ev)
		}
	}
	return out
}

func (o *offlineStore) stats() OfflineStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OfflineStats{
		Hot:     o.hot.size(),
		Warm:    o.warm.size(),
		Cold:    o.cold.size(),
		Dropped: o.dropped,
	}
}

func severityRank(severity string) int {
	switch severity {
	case SeverityFatal:
		return 4
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	case SeverityDebug:
		return 0
	case "", SeverityInfo:
		return 1
	default:
		return 3
	}
}
