package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/rs/zerolog"
)

// KeyResolver authenticates firehose handshakes. The API middleware's
// authenticator satisfies it.
type KeyResolver interface {
	ProjectForKey(ctx context.Context, apiKey string) (projectID string, err error)
}

const resolveTimeout = 5 * time.Second

// Firehose is the project-wide socket.io bridge: dashboards join
// `project:{id}` after presenting an API key and receive every error-event
// for the project, across all sessions. It registers on the Registry as a
// ProjectSink.
type Firehose struct {
	server   *socketio.Server
	resolver KeyResolver
	logger   zerolog.Logger
}

type subscribeRequest struct {
	APIKey    string `json:"api_key"`
	ProjectID string `json:"project_id"`
}

func NewFirehose(resolver KeyResolver, logger zerolog.Logger) *Firehose {
	f := &Firehose{
		server:   socketio.NewServer(nil),
		resolver: resolver,
		logger:   logger.With().Str("component", "firehose").Logger(),
	}

	f.server.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext("")
		return nil
	})

	f.server.OnEvent("/", "subscribe", func(s socketio.Conn, raw string) {
		var req subscribeRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil || req.APIKey == "" {
			s.Emit("error", "subscribe requires an api_key")
			s.Close()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		defer cancel()
		projectID, err := f.resolver.ProjectForKey(ctx, req.APIKey)
		if err != nil {
			s.Emit("error", "invalid api key")
			s.Close()
			return
		}
		// A key only opens its own project's room.
		if req.ProjectID != "" && req.ProjectID != projectID {
			s.Emit("error", "api key does not match project")
			s.Close()
			return
		}

		s.SetContext(projectID)
		s.Join(room(projectID))
		s.Emit("subscribed", projectID)
		f.logger.Debug().Str("conn_id", s.ID()).Str("project_id", projectID).Msg("firehose subscriber joined")
	})

	f.server.OnError("/", func(s socketio.Conn, err error) {
		f.logger.Warn().Err(err).Msg("firehose connection error")
	})

	f.server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		f.logger.Debug().Str("conn_id", s.ID()).Str("reason", reason).Msg("firehose subscriber left")
	})

	return f
}

func room(projectID string) string { return "project:" + projectID }

// Publish implements ProjectSink. Messages go to the project room as an
// event named by the message type, payload as a JSON string.
func (f *Firehose) Publish(projectID string, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		f.logger.Error().Err(err).Msg("firehose message marshal failed")
		return
	}
	f.server.BroadcastToRoom("/", room(projectID), msg.Type, string(payload))
}

// Handler mounts at /socket.io/.
func (f *Firehose) Handler() http.Handler { return f.server }

// Run starts the engine.io loop; call as a goroutine owner does.
func (f *Firehose) Run() {
	if err := f.server.Serve(); err != nil {
		f.logger.Error().Err(err).Msg("firehose serve exited")
	}
}

func (f *Firehose) Close() error { return f.server.Close() }
