package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/app/orch"
	"github.com/dkeye/Relay/internal/config"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/protocol"
)

// Gin context keys filled in by the HTTP layer before the upgrade.
const (
	ContextClientToken     = "client_token"
	ContextMediaPreference = "media_preference"
)

type SignalWSController struct {
	Orch *orch.Orchestrator

	readLimit    int64
	pingPeriod   time.Duration
	pongWait     time.Duration
	writeTimeout time.Duration
	sendBuffer   int
	msgRate      rate.Limit
	msgBurst     int

	churn    *RegisterRateLimiter
	validate *validator.Validate
	routes   map[string]handlerFunc
}

func NewSignalWSController(o *orch.Orchestrator, cfg *config.Config) *SignalWSController {
	msgRate := rate.Inf
	if cfg.Limits.MessagesPerSecond > 0 {
		msgRate = rate.Limit(cfg.Limits.MessagesPerSecond)
	}
	ctl := &SignalWSController{
		Orch:         o,
		readLimit:    cfg.ReadLimit,
		pingPeriod:   cfg.PingPeriod,
		pongWait:     cfg.PongWait,
		writeTimeout: cfg.WriteTimeout,
		sendBuffer:   cfg.SendBuffer,
		msgRate:      msgRate,
		msgBurst:     cfg.Limits.MessageBurst,
		churn:        NewRegisterRateLimiter(cfg.Limits.RegisterAttempts, cfg.Limits.RegisterInterval),
		validate:     validator.New(),
	}
	ctl.routes = ctl.handlers()
	return ctl
}

// WsSignalConn is the core.SignalConnection of one websocket. Frames are
// queued on send and written by writePump; Close lets queued frames drain.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, buffer),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connState is owned by the connection's read loop.
type connState struct {
	sid        string
	conn       *WsSignalConn
	preference string
	limiter    *rate.Limiter
	sess       *app.Session
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := c.GetString(ContextClientToken)
	logger := log.With().Str("module", "signal").Str("sid", sid).Logger()
	logger.Info().Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := newWsSignalConn(ws, ctl.sendBuffer)
	st := &connState{
		sid:        sid,
		conn:       conn,
		preference: c.GetString(ContextMediaPreference),
		limiter:    rate.NewLimiter(ctl.msgRate, ctl.msgBurst),
	}
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, conn)
	ctl.pushCapabilities(ctx, st)
	go func() {
		defer cancel()
		ctl.readPump(ctx, st)
	}()
}

// pushCapabilities sends the router's codec capabilities as the first frame.
// If the engine cannot start yet the client is told and may retry later.
func (ctl *SignalWSController) pushCapabilities(ctx context.Context, st *connState) {
	caps, err := ctl.Orch.RouterCapabilities(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", st.sid).Msg("router capabilities unavailable")
		ctl.sendError(st, err)
		return
	}
	ctl.sendJSON(st.conn, protocol.RouterCapabilities{
		Type:            protocol.TypeRouterRtpCapabilities,
		RtpCapabilities: caps,
	})
}
