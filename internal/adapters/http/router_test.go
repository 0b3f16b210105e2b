package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/app/orch"
	"github.com/dkeye/Relay/internal/config"
	"github.com/dkeye/Relay/internal/core/coretest"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/engine"
	"github.com/dkeye/Relay/internal/engine/enginetest"
)

func newRouter(t *testing.T) (*gin.Engine, *orch.Orchestrator, *engine.Gateway) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Mode = "release"

	gw := engine.NewGateway(enginetest.New().Factory(), engine.DefaultMediaCodecs(), time.Second)
	t.Cleanup(func() { _ = gw.Close() })
	roster, err := domain.NewRoster("A", []string{"B", "C", "D"})
	require.NoError(t, err)
	o := orch.New(app.NewRegistry(), gw, roster)
	return SetupRouter(context.Background(), cfg, o, gw), o, gw
}

func do(r http.Handler, method, path, body string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _, gw := newRouter(t)

	w := do(r, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "engineReady").Bool())

	_, err := gw.AcquireRouter(context.Background())
	require.NoError(t, err)
	w = do(r, http.MethodGet, "/healthz", "", nil)
	assert.True(t, gjson.Get(w.Body.String(), "engineReady").Bool())
}

func TestClientTokenCookieIssued(t *testing.T) {
	r, _, _ := newRouter(t)
	w := do(r, http.MethodGet, "/healthz", "", nil)

	var token string
	for _, c := range w.Result().Cookies() {
		if c.Name == clientTokenCookie {
			token = c.Value
		}
	}
	assert.Len(t, token, 36)
}

func TestPreferences_RoundTrip(t *testing.T) {
	r, _, _ := newRouter(t)

	w := do(r, http.MethodGet, "/api/preferences", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio+video", gjson.Get(w.Body.String(), "mediaType").String())

	w = do(r, http.MethodPost, "/api/preferences", `{"mediaType":"screen"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(r, http.MethodPost, "/api/preferences", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/preferences", `{"mediaType":" Video "}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video", gjson.Get(w.Body.String(), "mediaType").String())

	w = do(r, http.MethodGet, "/api/preferences", "", w.Result().Cookies())
	assert.Equal(t, "video", gjson.Get(w.Body.String(), "mediaType").String())
}

func TestSessionsSnapshot(t *testing.T) {
	r, o, _ := newRouter(t)
	sel := domain.SelectionOf(domain.KindAudio)
	_, err := o.Register(coretest.NewConn(), "C", &sel)
	require.NoError(t, err)
	a, err := o.Register(coretest.NewConn(), "A", nil)
	require.NoError(t, err)
	require.NoError(t, o.CreateTransport(context.Background(), a))

	w := do(r, http.MethodGet, "/api/sessions", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sessions := gjson.Get(w.Body.String(), "sessions").Array()
	require.Len(t, sessions, 2)
	assert.Equal(t, "A", sessions[0].Get("client").String())
	assert.Equal(t, "sender", sessions[0].Get("role").String())
	assert.NotEmpty(t, sessions[0].Get("transport").String())
	assert.Equal(t, "C", sessions[1].Get("client").String())
	assert.Equal(t, "audio", sessions[1].Get("mediaType").String())
}
