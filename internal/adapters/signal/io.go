package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
	"github.com/tidwall/gjson"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/protocol"
)

var (
	errInvalidJSON = errors.New("message is not valid JSON")
	errRateLimited = errors.New("too many messages")
	errInternal    = errors.New("internal error")
)

// writePump owns all writes to the websocket. It exits once the send queue is
// closed and drained, or on the first write error.
func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
	}()

	done := ctx.Done()
	for {
		select {
		case <-done:
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			done = nil
			c.Close()
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(ctl.writeTimeout),
				)
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.writeTimeout)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping failed")
				return
			}
		}
	}
}

// readPump processes one connection's messages strictly in arrival order.
// Whatever ends it, the bound session is torn down.
func (ctl *SignalWSController) readPump(ctx context.Context, st *connState) {
	ws := st.conn.conn
	defer func() {
		log.Info().Str("module", "signal").Str("sid", st.sid).Msg("readPump closing")
		if st.sess != nil {
			ctl.Orch.Teardown(st.sess, "connection closed")
		}
		st.conn.Close()
	}()

	ws.SetReadLimit(ctl.readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(ctl.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(ctl.pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", st.sid).Msg("readPump read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(ctl.pongWait))

		if !st.limiter.Allow() {
			ctl.sendError(st, &core.Error{Kind: core.KindRateLimited, Op: "read", Err: errRateLimited})
			continue
		}
		ctl.handleSignal(ctx, st, data)
	}
}

// handleSignal dispatches one message. A panicking handler is answered with
// an error and the loop carries on.
func (ctl *SignalWSController) handleSignal(ctx context.Context, st *connState, data []byte) {
	var pc panics.Catcher
	pc.Try(func() { ctl.dispatch(ctx, st, data) })
	if r := pc.Recovered(); r != nil {
		log.Error().Err(r.AsError()).Str("module", "signal").Str("sid", st.sid).Msg("handler panicked")
		ctl.sendError(st, core.EngineError("dispatch", errInternal))
	}
}

func (ctl *SignalWSController) dispatch(ctx context.Context, st *connState, data []byte) {
	if !gjson.ValidBytes(data) {
		log.Warn().Str("module", "signal").Str("sid", st.sid).Msg("bad json")
		ctl.sendError(st, core.ProtocolError("parse", errInvalidJSON))
		return
	}
	env := gjson.GetManyBytes(data, "type", "client", "mediaType")
	typ, client, media := env[0].String(), env[1], env[2]

	if st.sess == nil {
		if !client.Exists() {
			if typ == protocol.TypePing {
				ctl.handlePing(st.conn)
				return
			}
			ctl.sendError(st, core.ProtocolError(typ, core.ErrNotRegistered))
			return
		}
		if err := ctl.bind(st, client.String(), media); err != nil {
			ctl.sendError(st, err)
			return
		}
		if typ == "" {
			return
		}
	} else if client.Exists() && client.String() != string(st.sess.ID) {
		log.Warn().Str("module", "signal").Str("sid", st.sid).
			Str("client", string(st.sess.ID)).Str("claimed", client.String()).
			Msg("message names another client, handled as the bound one")
	}

	handler, ok := ctl.routes[typ]
	if !ok {
		log.Warn().Str("module", "signal").Str("type", typ).Msg("unknown signal")
		return
	}
	if err := handler(ctx, st, data); err != nil {
		log.Info().Err(err).Str("module", "signal").Str("client", string(st.sess.ID)).Str("type", typ).Msg("handler failed")
		ctl.sendError(st, err)
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) sendError(st *connState, err error) {
	_ = st.conn.TrySend(protocol.ErrorFrame(err))
}
