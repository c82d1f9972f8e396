package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"call-relay/internal/observability"
	"call-relay/internal/store"
	"call-relay/internal/voicecall/callcontext"
	"call-relay/internal/voicecall/session"

	"github.com/gorilla/websocket"
)

// CallArchive reads finished calls. *store.Store satisfies it.
type CallArchive interface {
	GetCallRecordByCallSID(ctx context.Context, callSID string) (*store.CallRecord, error)
	ListRecentCallRecords(ctx context.Context, limit int) ([]store.CallRecord, error)
}

type Config struct {
	// PublicHost is the host the carrier reaches us on. The request host is
	// used when empty.
	PublicHost string
	Session    session.Config
}

type Handler struct {
	contexts callcontext.Store
	archive  CallArchive
	deps     session.Deps
	config   Config
	logger   *observability.Logger
	conns    *connections
}

// connections tracks every session served by this handler, started or not.
// Once closing is set no new session is admitted.
type connections struct {
	mu       sync.Mutex
	closing  bool
	sessions map[*session.Session]struct{}
}

func (c *connections) add(s *session.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.sessions[s] = struct{}{}
	return true
}

func (c *connections) remove(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
}

func (c *connections) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// close stops admitting sessions and returns the ones still running.
func (c *connections) close() []*session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
	out := make([]*session.Session, 0, len(c.sessions))
	for s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// New builds the phone handler. archive may be nil when no database is
// configured.
func New(contexts callcontext.Store, archive CallArchive, deps session.Deps, config Config, logger *observability.Logger) Handler {
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return Handler{
		contexts: contexts,
		archive:  archive,
		deps:     deps,
		config:   config,
		logger:   logger,
		conns:    &connections{sessions: make(map[*session.Session]struct{})},
	}
}

// Registry exposes the live sessions served by this handler.
func (h *Handler) Registry() *session.Registry {
	return h.deps.Registry
}

// CloseSessions stops accepting media stream connections, tears down every
// session still being served and waits up to timeout for them to finish.
func (h *Handler) CloseSessions(ctx context.Context, timeout time.Duration) {
	sessions := h.conns.close()
	if len(sessions) == 0 {
		return
	}
	h.logger.Info(ctx, "closing live sessions", observability.Field{Key: "count", Value: len(sessions)})

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, s := range sessions {
		s.Close()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-deadline.C:
			h.logger.Warn(ctx, "timed out waiting for sessions to close")
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The carrier connects from its own media servers.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}
