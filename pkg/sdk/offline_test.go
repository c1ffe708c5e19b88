package sdk

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parked(name, severity string, at time.Time) storedEvent {
	return storedEvent{
		kind:     laneError,
		severity: severityRank(severity),
		at:       at,
		payload:  json.RawMessage(`"` + name + `"`),
	}
}

func parkedNames(evs []storedEvent) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = strings.Trim(string(ev.payload), `"`)
	}
	return out
}

func TestOfflineCascadeAgesOldestDown(t *testing.T) {
	store := newOfflineStore(OfflineConfig{HotCapacity: 2, WarmCapacity: 2, ColdCapacity: 2})
	base := time.Now()

	for i, name := range []string{"e1", "e2", "e3", "e4", "e5", "e6"} {
		dropped := store.park(parked(name, SeverityError, base.Add(time.Duration(i)*time.Second)))
		assert.Zero(t, dropped)
	}

	st := store.stats()
	assert.Equal(t, 2, st.Hot)
	assert.Equal(t, 2, st.Warm)
	assert.Equal(t, 2, st.Cold)
	assert.Zero(t, st.Dropped)

	// One more than total capacity: the oldest event gives way.
	dropped := store.park(parked("e7", SeverityError, base.Add(7*time.Second)))
	assert.Equal(t, 1, dropped)
	assert.Equal(t, uint64(1), store.stats().Dropped)

	out := store.drain(10)
	assert.Equal(t, []string{"e2", "e3", "e4", "e5", "e6", "e7"}, parkedNames(out))
	assert.Zero(t, store.stats().Total())
}

func TestOfflineEvictionPrefersLowSeverity(t *testing.T) {
	store := newOfflineStore(OfflineConfig{HotCapacity: 1, WarmCapacity: 1, ColdCapacity: 2})
	base := time.Now()

	store.park(parked("crash", SeverityFatal, base))
	store.park(parked("note", SeverityInfo, base.Add(time.Second)))
	store.park(parked("err1", SeverityError, base.Add(2*time.Second)))
	store.park(parked("err2", SeverityError, base.Add(3*time.Second)))
	dropped := store.park(parked("err3", SeverityError, base.Add(4*time.Second)))
	require.Equal(t, 1, dropped)

	// The info event is sacrificed even though the fatal is older.
	names := parkedNames(store.drain(10))
	assert.Equal(t, []string{"crash", "err1", "err2", "err3"}, names)
}

func TestOfflineDrainIsOldestFirstAndBounded(t *testing.T) {
	store := newOfflineStore(OfflineConfig{HotCapacity: 2, WarmCapacity: 2, ColdCapacity: 2})
	for i, name := range []string{"e1", "e2", "e3", "e4", "e5", "e6"} {
		store.park(parked(name, SeverityError, time.Now().Add(time.Duration(i)*time.Second)))
	}

	out := store.drain(3)
	require.Equal(t, []string{"e1", "e2", "e3"}, parkedNames(out))

	st := store.stats()
	assert.Equal(t, 3, st.Total())
	assert.Zero(t, st.Cold)

	assert.Equal(t, []string{"e4", "e5", "e6"}, parkedNames(store.drain(10)))
	assert.Empty(t, store.drain(5))
}

func TestOfflineZeroConfigTakesDefaults(t *testing.T) {
	store := newOfflineStore(OfflineConfig{})
	def := DefaultOffline()
	assert.Equal(t, def.HotCapacity, store.hot.cap)
	assert.Equal(t, def.WarmCapacity, store.warm.cap)
	assert.Equal(t, def.ColdCapacity, store.cold.cap)
}

func TestSeverityRank(t *testing.T) {
	assert.Equal(t, 4, severityRank(SeverityFatal))
	assert.Equal(t, 3, severityRank(SeverityError))
	assert.Equal(t, 2, severityRank(SeverityWarning))
	assert.Equal(t, 1, severityRank(SeverityInfo))
	assert.Equal(t, 1, severityRank(""))
	assert.Equal(t, 0, severityRank(SeverityDebug))
	// Unknown severities are treated like errors rather than discarded first.
	assert.Equal(t, 3, severityRank("critical"))
}
