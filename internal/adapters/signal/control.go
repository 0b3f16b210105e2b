package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
)

type handlerFunc func(ctx context.Context, st *connState, data []byte) error

func (ctl *SignalWSController) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.TypePing:             ctl.handlePingMsg,
		protocol.TypeCreateTransport:  ctl.handleCreateTransport,
		protocol.TypeConnectTransport: ctl.handleConnectTransport,
		protocol.TypeProduce:          ctl.handleProduce,
		protocol.TypeConsume:          ctl.handleConsume,
		protocol.TypeOffer:            ctl.handleOffer,
		protocol.TypeAnswer:           ctl.handleAnswer,
		protocol.TypeICECandidate:     ctl.handleCandidate,
		protocol.TypeMediaTypeChange:  ctl.handleMediaTypeChange,
		protocol.TypeLeave:            ctl.handleLeave,
	}
}

// decode unmarshals and validates a request payload.
func decode[T any](ctl *SignalWSController, op string, data []byte) (T, error) {
	var req T
	if err := json.Unmarshal(data, &req); err != nil {
		return req, core.ProtocolError(op, err)
	}
	if err := ctl.validate.Struct(req); err != nil {
		return req, core.ProtocolError(op, err)
	}
	return req, nil
}

// bind registers the connection under the client id named in its first
// message. The selection comes from the message, then the cookie preference,
// then the server default.
func (ctl *SignalWSController) bind(st *connState, rawID string, media gjson.Result) error {
	const op = "register"
	id, err := domain.ParseClientID(rawID)
	if err != nil {
		return core.ProtocolError(op, err)
	}
	if !ctl.churn.Allow(id) {
		return &core.Error{Kind: core.KindRateLimited, Op: op, Msg: "too many registrations", Err: core.ErrNotRegistered}
	}

	var sel *domain.MediaSelection
	switch {
	case media.Exists():
		s, err := domain.ParseMediaSelection(media.String())
		if err != nil {
			return core.ProtocolError(op, err)
		}
		sel = &s
	case st.preference != "":
		if s, err := domain.ParseMediaSelection(st.preference); err == nil {
			sel = &s
		}
	}

	sess, err := ctl.Orch.Register(st.conn, id, sel)
	if err != nil {
		return err
	}
	st.sess = sess
	log.Info().Str("module", "signal").Str("sid", st.sid).Str("client", string(id)).Str("role", sess.Role.String()).Msg("bound")
	return nil
}

func (ctl *SignalWSController) handlePing(
	conn *WsSignalConn,
) {
	ctl.sendJSON(conn, protocol.Message{Type: protocol.TypePong})
}

func (ctl *SignalWSController) handlePingMsg(_ context.Context, st *connState, _ []byte) error {
	ctl.handlePing(st.conn)
	return nil
}

func (ctl *SignalWSController) handleCreateTransport(ctx context.Context, st *connState, _ []byte) error {
	return ctl.Orch.CreateTransport(ctx, st.sess)
}

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, st *connState, data []byte) error {
	req, err := decode[protocol.ConnectTransportRequest](ctl, protocol.TypeConnectTransport, data)
	if err != nil {
		return err
	}
	return ctl.Orch.ConnectTransport(ctx, st.sess, req)
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, st *connState, data []byte) error {
	req, err := decode[protocol.ProduceRequest](ctl, protocol.TypeProduce, data)
	if err != nil {
		return err
	}
	kind, err := domain.ParseMediaKind(req.Kind)
	if err != nil {
		return core.ProtocolError(protocol.TypeProduce, err)
	}
	return ctl.Orch.Produce(ctx, st.sess, kind, *req.RtpParameters)
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, st *connState, data []byte) error {
	req, err := decode[protocol.ConsumeRequest](ctl, protocol.TypeConsume, data)
	if err != nil {
		return err
	}
	return ctl.Orch.Consume(ctx, st.sess, *req.RtpCapabilities)
}

func (ctl *SignalWSController) handleOffer(ctx context.Context, st *connState, data []byte) error {
	req, err := decode[protocol.OfferRequest](ctl, protocol.TypeOffer, data)
	if err != nil {
		return err
	}
	return ctl.Orch.RelayOffer(ctx, st.sess, data, req)
}

func (ctl *SignalWSController) handleAnswer(ctx context.Context, st *connState, data []byte) error {
	req, err := decode[protocol.AnswerRequest](ctl, protocol.TypeAnswer, data)
	if err != nil {
		return err
	}
	return ctl.Orch.RelayAnswer(ctx, st.sess, data, req)
}

func (ctl *SignalWSController) handleCandidate(_ context.Context, st *connState, data []byte) error {
	req, err := decode[protocol.ICECandidateRequest](ctl, protocol.TypeICECandidate, data)
	if err != nil {
		return err
	}
	ctl.Orch.RelayICECandidate(st.sess, req)
	return nil
}

func (ctl *SignalWSController) handleMediaTypeChange(_ context.Context, st *connState, data []byte) error {
	req, err := decode[protocol.MediaTypeChangeRequest](ctl, protocol.TypeMediaTypeChange, data)
	if err != nil {
		return err
	}
	return ctl.Orch.ChangeMediaType(st.sess, req.MediaType)
}

// handleLeave acknowledges and tears down; the connection closes once the
// reply has been flushed.
func (ctl *SignalWSController) handleLeave(_ context.Context, st *connState, _ []byte) error {
	log.Info().Str("module", "signal").Str("client", string(st.sess.ID)).Msg("leave")
	ctl.Orch.Leave(st.sess)
	return nil
}
