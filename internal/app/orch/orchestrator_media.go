package orch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/engine"
	"github.com/dkeye/Relay/internal/protocol"
)

// CreateTransport replies with the caller's transport, creating it on first use.
func (o *Orchestrator) CreateTransport(ctx context.Context, sess *app.Session) error {
	unlock, err := o.lock(sess, protocol.TypeCreateTransport)
	if err != nil {
		return err
	}
	defer unlock()

	rec, _, err := o.ensureTransport(ctx, sess, protocol.TypeCreateTransport)
	if err != nil {
		return err
	}
	o.reply(sess, protocol.TransportCreated{Type: protocol.TypeTransportCreated, Params: rec.Transport.Params()})
	return nil
}

// ensureTransport returns the existing record or creates one. Caller holds the op lock.
func (o *Orchestrator) ensureTransport(ctx context.Context, sess *app.Session, op string) (app.TransportRecord, bool, error) {
	if rec, ok := sess.Transport(); ok {
		return rec, false, nil
	}
	cctx, cancel := o.callCtx(ctx)
	defer cancel()

	router, err := o.acquireRouter(cctx, op)
	if err != nil {
		return app.TransportRecord{}, false, err
	}
	t, err := router.CreateTransport(cctx)
	if err != nil {
		return app.TransportRecord{}, false, core.EngineError(op, err)
	}
	if err := o.Registry.SetTransport(sess.ID, t); err != nil {
		closeLogged(t, "transport", "", sess.ID)
		return app.TransportRecord{}, false, core.PreconditionError(op, err)
	}
	log.Info().Str("module", "orch").Str("client", string(sess.ID)).Str("transport", t.ID()).Msg("transport created")
	return app.TransportRecord{Transport: t}, true, nil
}

// ConnectTransport applies the client's DTLS (and ICE) parameters exactly once.
// A failed attempt leaves the transport unconnected so the client may retry.
func (o *Orchestrator) ConnectTransport(ctx context.Context, sess *app.Session, req protocol.ConnectTransportRequest) error {
	const op = protocol.TypeConnectTransport
	unlock, err := o.lock(sess, op)
	if err != nil {
		return err
	}
	defer unlock()

	rec, ok := sess.Transport()
	if !ok {
		return core.PreconditionError(op, core.ErrNoTransport)
	}
	if rec.Connected {
		o.reply(sess, protocol.Message{Type: protocol.TypeTransportAlreadyConnected})
		return nil
	}

	cctx, cancel := o.callCtx(ctx)
	defer cancel()
	opts := engine.ConnectOptions{IceParameters: req.IceParameters}
	if req.DtlsParameters != nil {
		opts.DtlsParameters = *req.DtlsParameters
	}
	if err := rec.Transport.Connect(cctx, opts); err != nil {
		return core.EngineError(op, err)
	}
	if err := o.Registry.MarkTransportConnected(sess.ID); err != nil {
		return core.PreconditionError(op, err)
	}
	o.reply(sess, protocol.Message{Type: protocol.TypeTransportConnected})
	return nil
}

// Produce creates or replaces the sender's producer for kind.
func (o *Orchestrator) Produce(ctx context.Context, sess *app.Session, kind domain.MediaKind, params engine.RtpParameters) error {
	const op = protocol.TypeProduce
	if sess.Role != domain.RoleSender {
		return core.PreconditionError(op, core.ErrSenderOnly)
	}
	if len(params.Codecs) == 0 {
		return core.PreconditionError(op, core.ErrEmptyCodecs)
	}
	unlock, err := o.lock(sess, op)
	if err != nil {
		return err
	}
	defer unlock()

	rec, ok := sess.Transport()
	if !ok {
		return core.PreconditionError(op, core.ErrNoTransport)
	}
	p, err := o.produceLocked(ctx, sess, rec.Transport, kind, params)
	if err != nil {
		return err
	}
	o.reply(sess, protocol.Produced{Type: protocol.TypeProduced, Kind: string(kind), ID: p.ID()})
	return nil
}

func (o *Orchestrator) produceLocked(ctx context.Context, sess *app.Session, t engine.Transport, kind domain.MediaKind, params engine.RtpParameters) (engine.Producer, error) {
	const op = protocol.TypeProduce
	cctx, cancel := o.callCtx(ctx)
	defer cancel()

	p, err := t.Produce(cctx, engine.ProduceOptions{Kind: kind, RtpParameters: params})
	if err != nil {
		return nil, core.EngineError(op, err)
	}
	if err := o.commitProducer(sess, kind, p); err != nil {
		return nil, err
	}
	return p, nil
}

// commitProducer stores p and retires the producer it replaces. p is closed
// when it cannot be stored.
func (o *Orchestrator) commitProducer(sess *app.Session, kind domain.MediaKind, p engine.Producer) error {
	const op = protocol.TypeProduce
	old, err := o.Registry.AddProducer(sess.ID, kind, p)
	if err != nil {
		closeLogged(p, "producer", string(kind), sess.ID)
		return core.PreconditionError(op, err)
	}
	log.Info().Str("module", "orch").Str("client", string(sess.ID)).Str("kind", string(kind)).Str("producer", p.ID()).Msg("producer created")
	if old != nil {
		o.retireProducer(sess, kind, old)
	}
	return nil
}

// retireProducer closes a replaced producer and the consumers bound to it,
// telling each affected receiver to re-consume.
func (o *Orchestrator) retireProducer(sender *app.Session, kind domain.MediaKind, old engine.Producer) {
	closeLogged(old, "producer", string(kind), sender.ID)
	msg := protocol.ProducerClosed{
		Type:    protocol.TypeProducerClosed,
		Message: fmt.Sprintf("sender %s replaced its %s producer", sender.ID, kind),
		Kind:    string(kind),
	}
	for _, d := range o.Registry.DetachConsumersOf(old.ID()) {
		closeLogged(d.Consumer, "consumer", string(d.Kind), d.Session.ID)
		o.send(d.Session, app.Relay, msg)
	}
}

// Consume creates a consumer for every kind the caller's selection allows and
// the sender currently produces. Other kinds are left out of the reply.
func (o *Orchestrator) Consume(ctx context.Context, sess *app.Session, caps engine.RtpCapabilities) error {
	const op = protocol.TypeConsume
	if sess.Role == domain.RoleSender {
		return core.PreconditionError(op, core.ErrReceiverOnly)
	}
	unlock, err := o.lock(sess, op)
	if err != nil {
		return err
	}
	defer unlock()

	rec, ok := sess.Transport()
	if !ok {
		return core.PreconditionError(op, core.ErrNoTransport)
	}
	created, err := o.consumeLocked(ctx, sess, rec.Transport, caps)
	if err != nil {
		return err
	}

	out := protocol.Consumed{Type: protocol.TypeConsumed}
	for kind, params := range created {
		switch kind {
		case domain.KindAudio:
			out.Audio = &params
		case domain.KindVideo:
			out.Video = &params
		}
	}
	o.reply(sess, out)
	return nil
}

// consumeLocked does the consume work for sess. Consumers are registered only
// after every engine call succeeded; on failure the new ones are closed.
func (o *Orchestrator) consumeLocked(ctx context.Context, sess *app.Session, t engine.Transport, caps engine.RtpCapabilities) (map[domain.MediaKind]engine.ConsumerParams, error) {
	const op = protocol.TypeConsume
	out := make(map[domain.MediaKind]engine.ConsumerParams)
	sender, ok := o.Registry.Sender()
	if !ok {
		return out, nil
	}

	type pending struct {
		kind     domain.MediaKind
		consumer engine.Consumer
		producer engine.Producer
	}
	var fresh []pending
	rollback := func() {
		for _, f := range fresh {
			closeLogged(f.consumer, "consumer", string(f.kind), sess.ID)
		}
	}

	cctx, cancel := o.callCtx(ctx)
	defer cancel()

	existing := sess.Consumers()
	var router engine.Router
	for _, kind := range app.ConsumableKinds(sess.Selection()) {
		p, ok := sender.Producer(kind)
		if !ok {
			continue
		}
		if c, ok := existing[kind]; ok && c.ProducerID() == p.ID() {
			out[kind] = c.Params()
			continue
		}
		if router == nil {
			r, err := o.acquireRouter(cctx, op)
			if err != nil {
				rollback()
				return nil, err
			}
			router = r
		}
		if !router.CanConsume(p, caps) {
			log.Info().Str("module", "orch").Str("client", string(sess.ID)).Str("kind", string(kind)).Msg("client cannot consume producer codec")
			continue
		}
		c, err := t.Consume(cctx, engine.ConsumeOptions{Producer: p, RtpCapabilities: caps})
		if err != nil {
			rollback()
			return nil, core.EngineError(op, err)
		}
		fresh = append(fresh, pending{kind: kind, consumer: c, producer: p})
	}

	for _, f := range fresh {
		old, err := o.Registry.AddConsumer(sess.ID, f.kind, f.consumer, f.producer)
		if err != nil {
			// The producer went away during the engine call.
			log.Info().Err(err).Str("module", "orch").Str("client", string(sess.ID)).Str("kind", string(f.kind)).Msg("consumer dropped")
			closeLogged(f.consumer, "consumer", string(f.kind), sess.ID)
			continue
		}
		if old != nil {
			closeLogged(old, "consumer", string(f.kind), sess.ID)
		}
		out[f.kind] = f.consumer.Params()
		log.Info().Str("module", "orch").Str("client", string(sess.ID)).Str("kind", string(f.kind)).Str("consumer", f.consumer.ID()).Msg("consumer created")
	}
	return out, nil
}
