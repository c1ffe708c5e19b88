package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lenshq/backend/internal/core"
	"github.com/lenshq/backend/internal/stream"
)

// preparedEvent stages one validated replay or network event.
type preparedEvent struct {
	index     int
	sessionID string
	sessionPK string
	seq       int64

	session *core.SessionEvent
	network *core.NetworkEvent

	// lifecycle side effects, applied after the row is durable
	device *deviceInfo
	ends   bool
	endsAt time.Time
}

// CaptureSessionEvents appends replay events. Unknown sessions are created
// on first contact; session-start events feed device analytics and
// session-end closes the session and notifies viewers.
func (g *Gateway) CaptureSessionEvents(ctx context.Context, projectID string, req *CaptureSessionEventRequest, idemKey string) (*CaptureEventsResponse, error) {
	start := time.Now()
	if len(req.Events) == 0 {
		return nil, core.Invalid("request carries no events")
	}
	if len(req.Events) > g.cfg.MaxBatchSize {
		return nil, core.Invalidf("batch exceeds %d events", g.cfg.MaxBatchSize)
	}

	replay, claimed, err := g.beginIdempotent(ctx, projectID, idemKey)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replayEvents(replay)
	}
	committed := false
	defer func() {
		if claimed && !committed {
			g.releaseIdempotency(projectID, idemKey)
		}
	}()

	var rejected []Rejection
	prepared := make([]*preparedEvent, 0, len(req.Events))
	for i, ev := range req.Events {
		sid := ev.SessionID
		if sid == "" {
			sid = req.SessionID
		}
		if sid == "" {
			rejected = append(rejected, Rejection{Index: i, Reason: "session_id is required"})
			continue
		}
		if ev.EventType == "" {
			rejected = append(rejected, Rejection{Index: i, Reason: "event_type is required"})
			continue
		}
		ts := time.Now().UTC()
		if ev.Timestamp != nil && !ev.Timestamp.IsZero() {
			ts = ev.Timestamp.UTC()
		}
		p := &preparedEvent{
			index:     i,
			sessionID: sid,
			session: &core.SessionEvent{
				ProjectID: projectID,
				EventType: ev.EventType,
				Timestamp: ts,
				Payload:   ev.Data,
			},
		}
		switch ev.EventType {
		case EventSessionStart:
			p.device = parseDeviceInfo(ev.Data)
		case EventSessionEnd:
			p.ends = true
			p.endsAt = ts
		}
		prepared = append(prepared, p)
	}

	prepared, rejected, err = g.bindEventSessions(ctx, projectID, req.UserID, prepared, rejected)
	if err != nil {
		return nil, err
	}
	for _, p := range prepared {
		p.session.SessionID = p.sessionPK
		p.session.Seq = p.seq
	}

	rows := make([]*core.SessionEvent, len(prepared))
	for k, p := range prepared {
		rows[k] = p.session
	}
	ids, err := g.store.InsertSessionEvents(ctx, rows)
	if err != nil {
		return nil, err
	}

	resp := &CaptureEventsResponse{EventIDs: make([]string, len(req.Events)), Rejected: rejected}
	accepted := make([]*preparedEvent, 0, len(prepared))
	for k, p := range prepared {
		if ids[k] == "" {
			resp.Rejected = append(resp.Rejected, Rejection{Index: p.index, Reason: "storage rejected row"})
			continue
		}
		resp.EventIDs[p.index] = ids[k]
		p.session.ID = ids[k]
		accepted = append(accepted, p)
	}
	resp.Accepted = len(accepted)

	g.applyLifecycle(ctx, projectID, accepted)
	if resp.Accepted > 0 {
		g.afterEventCapture(projectID, sessionEventMessages(accepted))
	}
	if claimed {
		g.completeIdempotency(ctx, projectID, idemKey, resp)
	}
	committed = true

	g.metrics.RecordCapture("session-event", captureOutcome(resp.Accepted, len(resp.Rejected)), len(req.Events), time.Since(start))
	return resp, nil
}

// CaptureNetworkEvents appends network request records for a session.
func (g *Gateway) CaptureNetworkEvents(ctx context.Context, projectID string, req *CaptureNetworkEventRequest, idemKey string) (*CaptureEventsResponse, error) {
	start := time.Now()
	if len(req.Events) == 0 {
		return nil, core.Invalid("request carries no events")
	}
	if len(req.Events) > g.cfg.MaxBatchSize {
		return nil, core.Invalidf("batch exceeds %d events", g.cfg.MaxBatchSize)
	}

	replay, claimed, err := g.beginIdempotent(ctx, projectID, idemKey)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replayEvents(replay)
	}
	committed := false
	defer func() {
		if claimed && !committed {
			g.releaseIdempotency(projectID, idemKey)
		}
	}()

	var rejected []Rejection
	prepared := make([]*preparedEvent, 0, len(req.Events))
	for i, ev := range req.Events {
		sid := ev.SessionID
		if sid == "" {
			sid = req.SessionID
		}
		if sid == "" {
			rejected = append(rejected, Rejection{Index: i, Reason: "session_id is required"})
			continue
		}
		if ev.Method == "" || ev.URL == "" {
			rejected = append(rejected, Rejection{Index: i, Reason: "method and url are required"})
			continue
		}
		ts := time.Now().UTC()
		if ev.Timestamp != nil && !ev.Timestamp.IsZero() {
			ts = ev.Timestamp.UTC()
		}
		row := &core.NetworkEvent{
			ProjectID: projectID,
			Method:    ev.Method,
			URL:       ev.URL,
			Timestamp: ts,
		}
		if ev.StatusCode != nil {
			row.StatusCode = *ev.StatusCode
		}
		if ev.ResponseTime != nil {
			row.DurationMs = *ev.ResponseTime
		}
		if ev.RequestSize != nil {
			row.RequestSize = *ev.RequestSize
		}
		if ev.ResponseSize != nil {
			row.ResponseSize = *ev.ResponseSize
		}
		if len(ev.RequestData) > 0 || len(ev.ResponseData) > 0 {
			row.Metadata = core.Metadata{}
			if len(ev.RequestData) > 0 {
				row.Metadata["request_data"] = ev.RequestData
			}
			if len(ev.ResponseData) > 0 {
				row.Metadata["response_data"] = ev.ResponseData
			}
		}
		prepared = append(prepared, &preparedEvent{index: i, sessionID: sid, network: row})
	}

	prepared, rejected, err = g.bindEventSessions(ctx, projectID, req.UserID, prepared, rejected)
	if err != nil {
		return nil, err
	}
	for _, p := range prepared {
		p.network.SessionID = p.sessionPK
		p.network.Seq = p.seq
	}

	rows := make([]*core.NetworkEvent, len(prepared))
	for k, p := range prepared {
		rows[k] = p.network
	}
	ids, err := g.store.InsertNetworkEvents(ctx, rows)
	if err != nil {
		return nil, err
	}

	resp := &CaptureEventsResponse{EventIDs: make([]string, len(req.Events)), Rejected: rejected}
	accepted := make([]*preparedEvent, 0, len(prepared))
	for k, p := range prepared {
		if ids[k] == "" {
			resp.Rejected = append(resp.Rejected, Rejection{Index: p.index, Reason: "storage rejected row"})
			continue
		}
		resp.EventIDs[p.index] = ids[k]
		p.network.ID = ids[k]
		accepted = append(accepted, p)
	}
	resp.Accepted = len(accepted)

	if resp.Accepted > 0 {
		g.afterEventCapture(projectID, networkEventMessages(accepted))
	}
	if claimed {
		g.completeIdempotency(ctx, projectID, idemKey, resp)
	}
	committed = true

	g.metrics.RecordCapture("network-event", captureOutcome(resp.Accepted, len(resp.Rejected)), len(req.Events), time.Since(start))
	return resp, nil
}

func replayEvents(raw json.RawMessage) (*CaptureEventsResponse, error) {
	var resp CaptureEventsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, core.Fatalf("ingest.replay", err)
	}
	resp.Replayed = true
	return &resp, nil
}

// bindEventSessions resolves sessions and claims one sequence number per
// event, in request order within each session.
func (g *Gateway) bindEventSessions(ctx context.Context, projectID, userID string, prepared []*preparedEvent, rejected []Rejection) ([]*preparedEvent, []Rejection, error) {
	var uid *string
	if userID != "" {
		uid = &userID
	}

	bySession := make(map[string][]*preparedEvent)
	for _, p := range prepared {
		bySession[p.sessionID] = append(bySession[p.sessionID], p)
	}

	dropped := make(map[*preparedEvent]bool)
	for sid, group := range bySession {
		sess, err := g.store.GetOrCreateSession(ctx, projectID, sid, uid, eventTimestamp(group[0]), nil)
		if err == nil {
			var base int64
			base, err = g.store.ClaimEventSeq(ctx, sess.ID, len(group))
			if err == nil {
				for j, p := range group {
					p.sessionPK = sess.ID
					p.seq = base + int64(j)
				}
				continue
			}
		}
		if core.IsTransient(err) {
			return nil, nil, err
		}
		for _, p := range group {
			rejected = append(rejected, Rejection{Index: p.index, Reason: "session resolution failed"})
			dropped[p] = true
		}
		g.logger.Warn().Err(err).Str("session_id", sid).Msg("session resolution failed")
	}

	if len(dropped) == 0 {
		return prepared, rejected, nil
	}
	kept := prepared[:0]
	for _, p := range prepared {
		if !dropped[p] {
			kept = append(kept, p)
		}
	}
	return kept, rejected, nil
}

func eventTimestamp(p *preparedEvent) time.Time {
	if p.session != nil {
		return p.session.Timestamp
	}
	return p.network.Timestamp
}

// applyLifecycle runs the session side effects of durable events: device
// analytics from session-start, ended_at plus a viewer notification from
// session-end. Failures log; the events themselves are already stored.
func (g *Gateway) applyLifecycle(ctx context.Context, projectID string, accepted []*preparedEvent) {
	for _, p := range accepted {
		if p.device != nil {
			d := &core.DeviceAnalytics{
				ProjectID:        projectID,
				SessionID:        p.sessionPK,
				Browser:          p.device.Browser,
				BrowserVersion:   p.device.BrowserVersion,
				OS:               p.device.OS,
				OSVersion:        p.device.OSVersion,
				DeviceType:       p.device.DeviceType,
				ScreenResolution: p.device.ScreenResolution,
				Language:         p.device.Language,
			}
			if err := g.store.UpsertDeviceAnalytics(ctx, d); err != nil {
				g.logger.Warn().Err(err).Str("session_id", p.sessionID).Msg("device analytics upsert failed")
			}
		}
		if p.ends {
			if err := g.store.EndSession(ctx, p.sessionPK, p.endsAt); err != nil {
				g.logger.Warn().Err(err).Str("session_id", p.sessionID).Msg("session end failed")
			} else {
				g.streams.Broadcast(p.sessionPK, stream.Message{
					Type:      stream.TypeSessionEnded,
					SessionID: p.sessionID,
					Seq:       p.seq,
					Timestamp: p.endsAt,
				})
			}
		}
	}
}

// parseDeviceInfo pulls the device block from a session-start payload. SDKs
// send it either nested under "device" or as the payload itself.
func parseDeviceInfo(data core.Metadata) *deviceInfo {
	if data == nil {
		return nil
	}
	var src interface{} = data
	if nested, ok := data["device"]; ok {
		src = nested
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return nil
	}
	var d deviceInfo
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil
	}
	if d == (deviceInfo{}) {
		return nil
	}
	return &d
}

// addressedMessage pairs a viewer-facing message with the session row key
// the subscriber registry is indexed by.
type addressedMessage struct {
	sessionPK string
	msg       stream.Message
}

func sessionEventMessages(accepted []*preparedEvent) []addressedMessage {
	msgs := make([]addressedMessage, 0, len(accepted))
	for _, p := range accepted {
		data, err := json.Marshal(map[string]interface{}{
			"event_type": p.session.EventType,
			"payload":    p.session.Payload,
		})
		if err != nil {
			continue
		}
		msgs = append(msgs, addressedMessage{sessionPK: p.sessionPK, msg: stream.Message{
			Type:      stream.TypeSessionEvent,
			SessionID: p.sessionID,
			Seq:       p.seq,
			Timestamp: p.session.Timestamp,
			Data:      data,
		}})
	}
	return msgs
}

func networkEventMessages(accepted []*preparedEvent) []addressedMessage {
	msgs := make([]addressedMessage, 0, len(accepted))
	for _, p := range accepted {
		data, err := json.Marshal(map[string]interface{}{
			"method":      p.network.Method,
			"url":         p.network.URL,
			"status_code": p.network.StatusCode,
			"duration_ms": p.network.DurationMs,
		})
		if err != nil {
			continue
		}
		msgs = append(msgs, addressedMessage{sessionPK: p.sessionPK, msg: stream.Message{
			Type:      stream.TypeNetworkEvent,
			SessionID: p.sessionID,
			Seq:       p.seq,
			Timestamp: p.network.Timestamp,
			Data:      data,
		}})
	}
	return msgs
}

// afterEventCapture is the event-capture fan-out: invalidate the project's
// cached reads, then deliver to the per-session subscriber channels.
func (g *Gateway) afterEventCapture(projectID string, msgs []addressedMessage) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error().Interface("panic", r).Msg("post-capture fan-out panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.cache.InvalidateProject(ctx, projectID); err != nil {
			g.metrics.RecordCacheError()
			g.logger.Warn().Err(err).Str("project_id", projectID).Msg("cache invalidation failed")
		} else {
			g.metrics.RecordInvalidation()
		}

		for _, am := range msgs {
			g.streams.Broadcast(am.sessionPK, am.msg)
		}
	}()
}
