package orch

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/engine"
	"github.com/dkeye/Relay/internal/protocol"
)

// RelayOffer handles an offer from sess. When the sender attaches
// offerTracks, its transport and producers are set up first.
func (o *Orchestrator) RelayOffer(ctx context.Context, sess *app.Session, raw core.Frame, req protocol.OfferRequest) error {
	if req.OfferTracks != nil && sess.Role == domain.RoleSender {
		if err := o.produceOfferTracks(ctx, sess, req.OfferTracks); err != nil {
			return err
		}
	}
	return o.relay(sess, raw, protocol.TypeOffer)
}

// produceOfferTracks creates the transport and producers for an offer. Nothing
// is stored until every engine call succeeded; on failure the producers and
// the transport created here are closed again.
func (o *Orchestrator) produceOfferTracks(ctx context.Context, sess *app.Session, tracks *protocol.OfferTracks) error {
	const op = protocol.TypeOffer
	unlock, err := o.lock(sess, op)
	if err != nil {
		return err
	}
	defer unlock()

	rec, created, err := o.ensureTransport(ctx, sess, op)
	if err != nil {
		return err
	}

	type pending struct {
		kind     domain.MediaKind
		producer engine.Producer
	}
	var fresh []pending
	rollback := func(from int) {
		for _, f := range fresh[from:] {
			closeLogged(f.producer, "producer", string(f.kind), sess.ID)
		}
		if created {
			if t := sess.DrainTransport(); t != nil {
				closeLogged(t, "transport", "", sess.ID)
			}
		}
	}

	cctx, cancel := o.callCtx(ctx)
	defer cancel()
	for _, kind := range domain.AllKinds {
		rp := tracks.Audio
		if kind == domain.KindVideo {
			rp = tracks.Video
		}
		if rp == nil || len(rp.Codecs) == 0 {
			continue
		}
		p, err := rec.Transport.Produce(cctx, engine.ProduceOptions{Kind: kind, RtpParameters: *rp})
		if err != nil {
			rollback(0)
			return core.EngineError(protocol.TypeProduce, err)
		}
		fresh = append(fresh, pending{kind: kind, producer: p})
	}

	for i, f := range fresh {
		if err := o.commitProducer(sess, f.kind, f.producer); err != nil {
			// Only a closing session fails here; teardown releases what was stored.
			rollback(i + 1)
			return err
		}
	}

	if created {
		o.reply(sess, protocol.TransportCreated{Type: protocol.TypeTransportCreated, Params: rec.Transport.Params()})
	}
	out := protocol.ProducersCreated{Type: protocol.TypeProducersCreated}
	if p, ok := sess.Producer(domain.KindAudio); ok {
		out.Audio = p.ID()
	}
	if p, ok := sess.Producer(domain.KindVideo); ok {
		out.Video = p.ID()
	}
	o.reply(sess, out)
	return nil
}

// RelayAnswer handles an answer from sess. A receiver attaching its
// rtpCapabilities gets its transport and consumers set up first, announced
// with one consumer-created per kind.
func (o *Orchestrator) RelayAnswer(ctx context.Context, sess *app.Session, raw core.Frame, req protocol.AnswerRequest) error {
	if req.RtpCapabilities != nil && sess.Role == domain.RoleReceiver {
		if err := o.consumeFromAnswer(ctx, sess, req); err != nil {
			return err
		}
	}
	return o.relay(sess, raw, protocol.TypeAnswer)
}

func (o *Orchestrator) consumeFromAnswer(ctx context.Context, sess *app.Session, req protocol.AnswerRequest) error {
	const op = protocol.TypeAnswer
	unlock, err := o.lock(sess, op)
	if err != nil {
		return err
	}
	defer unlock()

	rec, created, err := o.ensureTransport(ctx, sess, op)
	if err != nil {
		return err
	}
	if created {
		o.reply(sess, protocol.TransportCreated{Type: protocol.TypeTransportCreated, Params: rec.Transport.Params()})
	}
	consumers, err := o.consumeLocked(ctx, sess, rec.Transport, *req.RtpCapabilities)
	if err != nil {
		return err
	}
	for _, kind := range domain.AllKinds {
		if params, ok := consumers[kind]; ok {
			o.reply(sess, protocol.ConsumerCreated{Type: protocol.TypeConsumerCreated, ConsumerParams: params})
		}
	}
	return nil
}

// relay forwards raw to the opposite role set, annotated with the caller's id.
// The payload is otherwise untouched.
func (o *Orchestrator) relay(sess *app.Session, raw core.Frame, op string) error {
	out, err := sjson.SetBytes(raw, "from", string(sess.ID))
	if err != nil {
		return core.ProtocolError(op, err)
	}
	targets := o.Registry.WithRole(sess.Role.Opposite())
	for _, t := range targets {
		o.sendFrame(t, app.Relay, out)
	}
	log.Debug().Str("module", "orch").Str("client", string(sess.ID)).Str("type", op).Int("targets", len(targets)).Msg("relayed")
	return nil
}

// RelayICECandidate forwards a candidate to the seat named in req.From.
// A missing or offline target is dropped with a log.
func (o *Orchestrator) RelayICECandidate(sess *app.Session, req protocol.ICECandidateRequest) {
	logger := log.With().Str("module", "orch").Str("client", string(sess.ID)).Str("target", req.From).Logger()
	if req.From == "" {
		logger.Info().Msg("ice candidate without target dropped")
		return
	}
	target, err := o.Registry.Get(domain.ClientID(req.From))
	if err != nil || target.Closed() {
		logger.Info().Msg("ice candidate target offline, dropped")
		return
	}
	o.send(target, app.Relay, protocol.ICECandidate{
		Type:      protocol.TypeICECandidate,
		Candidate: req.Candidate,
		From:      string(sess.ID),
	})
}

// ChangeMediaType updates the selection in place. Existing consumers stay
// as they are until the client consumes again.
func (o *Orchestrator) ChangeMediaType(sess *app.Session, raw string) error {
	const op = protocol.TypeMediaTypeChange
	sel, err := domain.ParseMediaSelection(raw)
	if err != nil {
		return core.ProtocolError(op, err)
	}
	if err := o.Registry.UpdateMediaSelection(sess.ID, sel); err != nil {
		return core.PreconditionError(op, err)
	}
	o.reply(sess, protocol.MediaTypeUpdated{Type: protocol.TypeMediaTypeUpdated, MediaType: sel.String()})
	return nil
}

// Leave acknowledges and tears the session down.
func (o *Orchestrator) Leave(sess *app.Session) {
	o.reply(sess, protocol.Message{Type: protocol.TypeLeft})
	o.Teardown(sess, "client left")
}
