package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"call-relay/internal/bootstrap"
	"call-relay/internal/config"
	"call-relay/internal/observability"
	voiceCallHandler "call-relay/internal/voicecall/handler"
	"call-relay/internal/voicecall/session"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, origins []string) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := observability.NewNopLogger()
	metrics := observability.NewMetrics()
	deps := &bootstrap.Dependencies{
		Logger:  logger,
		Metrics: metrics,
		PhoneHandler: voiceCallHandler.New(nil, nil, session.Deps{Logger: logger, Metrics: metrics},
			voiceCallHandler.Config{PublicHost: "relay.example.com"}, logger),
	}
	cfg := &config.Config{Server: config.ServerConfig{Port: 0, AllowedOrigins: origins}}
	s := New(cfg, deps, logger)
	s.Setup()
	return s
}

func TestSetupRegistersRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/health", "/metrics", "/api/phone/transcripts"} {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestCORS(t *testing.T) {
	t.Run("any origin when none configured", func(t *testing.T) {
		s := newTestServer(t, nil)
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://dashboard.example.com")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("configured origins only", func(t *testing.T) {
		s := newTestServer(t, []string{"https://dashboard.example.com"})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://dashboard.example.com")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		assert.Equal(t, "https://dashboard.example.com", w.Header().Get("Access-Control-Allow-Origin"))

		req = httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "https://elsewhere.example.com")
		w = httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestShutdownWithoutStart(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.Shutdown(context.Background()))
}
