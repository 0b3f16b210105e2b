package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/engine"
	"github.com/dkeye/Relay/internal/protocol"
)

const defaultCallTimeout = 10 * time.Second

// RouterSource hands out the shared media router.
type RouterSource interface {
	AcquireRouter(ctx context.Context) (engine.Router, error)
}

// Orchestrator implements the session handlers and teardown on top of the
// registry and the media engine gateway.
//
// Locking: a handler holds only its own session's op lock. Other sessions
// are touched through registry methods that take their short state lock.
type Orchestrator struct {
	Registry *app.Registry
	Gateway  RouterSource
	Roster   *domain.Roster
	Policy   app.Policy

	CallTimeout      time.Duration
	DefaultSelection domain.MediaSelection
}

func New(reg *app.Registry, gw RouterSource, roster *domain.Roster) *Orchestrator {
	return &Orchestrator{
		Registry:         reg,
		Gateway:          gw,
		Roster:           roster,
		Policy:           app.SimplePolicy{},
		CallTimeout:      defaultCallTimeout,
		DefaultSelection: domain.SelectionOf(domain.KindAudio, domain.KindVideo),
	}
}

func (o *Orchestrator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	d := o.CallTimeout
	if d <= 0 {
		d = defaultCallTimeout
	}
	return context.WithTimeout(ctx, d)
}

// RouterCapabilities returns the codec capabilities pushed to new connections.
func (o *Orchestrator) RouterCapabilities(ctx context.Context) (engine.RtpCapabilities, error) {
	cctx, cancel := o.callCtx(ctx)
	defer cancel()
	r, err := o.acquireRouter(cctx, "router-capabilities")
	if err != nil {
		return engine.RtpCapabilities{}, err
	}
	return r.RtpCapabilities(), nil
}

func (o *Orchestrator) acquireRouter(ctx context.Context, op string) (engine.Router, error) {
	r, err := o.Gateway.AcquireRouter(ctx)
	if err == nil {
		return r, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, core.EngineError(op, err)
	}
	return nil, core.PreconditionError(op, fmt.Errorf("%w: %w", core.ErrEngineNotReady, err))
}

// Register binds conn to id. A live session under the same id is torn down
// first so its connection is not leaked. sel is nil when the client did not
// name a selection.
func (o *Orchestrator) Register(conn core.SignalConnection, id domain.ClientID, sel *domain.MediaSelection) (*app.Session, error) {
	role, err := o.Roster.RoleOf(id)
	if err != nil {
		return nil, core.PreconditionError("register", err)
	}
	selection := o.DefaultSelection
	if sel != nil {
		selection = *sel
	}

	var sess *app.Session
	for range 3 {
		sess, err = o.Registry.Register(id, role, conn, selection)
		if !errors.Is(err, app.ErrAlreadyRegistered) {
			break
		}
		if old, gerr := o.Registry.Get(id); gerr == nil {
			log.Info().Str("module", "orch").Str("client", string(id)).Msg("replacing previous connection")
			o.Teardown(old, "replaced by new connection")
			<-old.Done()
		}
	}
	if err != nil {
		return nil, core.PreconditionError("register", err)
	}

	o.reply(sess, protocol.Registered{
		Type:      protocol.TypeRegistered,
		Client:    string(id),
		Role:      role.String(),
		MediaType: selection.String(),
	})
	return sess, nil
}

// lock takes sess's op lock and rejects sessions already in teardown.
func (o *Orchestrator) lock(sess *app.Session, op string) (func(), error) {
	sess.Lock()
	if sess.Closed() {
		sess.Unlock()
		return nil, core.PreconditionError(op, core.ErrSessionClosed)
	}
	return sess.Unlock, nil
}

func (o *Orchestrator) reply(sess *app.Session, v any) {
	o.send(sess, app.Reply, v)
}

func (o *Orchestrator) send(sess *app.Session, d app.Delivery, v any) {
	f, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode")
		return
	}
	o.sendFrame(sess, d, f)
}

func (o *Orchestrator) sendFrame(sess *app.Session, d app.Delivery, f core.Frame) {
	err := sess.Conn.TrySend(f)
	if err == nil {
		return
	}
	if !errors.Is(err, core.ErrBackpressure) {
		log.Debug().Err(err).Str("module", "orch").Str("client", string(sess.ID)).Msg("send skipped")
		return
	}
	action := app.KickMember
	if o.Policy != nil {
		action = o.Policy.OnBackpressure(sess, d)
	}
	switch action {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("client", string(sess.ID)).Msg("slow client, closing connection")
		// The read loop observes the close and runs teardown.
		sess.Conn.Close()
	case app.DropFrame:
		log.Warn().Str("module", "orch").Str("client", string(sess.ID)).Msg("slow client, frame dropped")
	case app.NoAction:
	}
}

// Teardown releases everything sess owns. It runs at most once per session;
// each step is isolated so a failing close does not skip the rest.
func (o *Orchestrator) Teardown(sess *app.Session, reason string) {
	if !sess.MarkClosed() {
		return
	}
	logger := log.With().Str("module", "orch").Str("client", string(sess.ID)).Logger()
	logger.Info().Str("reason", reason).Msg("teardown start")

	// Waits for an in-flight handler; it sees the closed flag and unwinds.
	sess.Lock()
	defer func() {
		sess.Unlock()
		sess.Finish()
	}()

	step := func(name string, fn func()) {
		var pc panics.Catcher
		pc.Try(fn)
		if r := pc.Recovered(); r != nil {
			logger.Error().Err(r.AsError()).Str("step", name).Msg("teardown step panicked")
		}
	}

	var consumers map[domain.MediaKind]engine.Consumer
	step("consumers", func() { consumers = sess.DrainConsumers() })
	for kind, c := range consumers {
		step("consumer", func() { closeLogged(c, "consumer", string(kind), sess.ID) })
	}
	if sess.Role == domain.RoleSender {
		var producers map[domain.MediaKind]engine.Producer
		step("producers", func() { producers = sess.DrainProducers() })
		ids := make([]string, 0, len(producers))
		for kind, p := range producers {
			step("producer", func() {
				ids = append(ids, p.ID())
				closeLogged(p, "producer", string(kind), sess.ID)
			})
		}
		var detached []app.DetachedConsumer
		step("detach", func() { detached = o.Registry.DetachConsumersOf(ids...) })
		for _, d := range detached {
			step("consumer", func() { closeLogged(d.Consumer, "consumer", string(d.Kind), d.Session.ID) })
		}
		step("notify", func() {
			msg := protocol.ProducerClosed{
				Type:    protocol.TypeProducerClosed,
				Message: fmt.Sprintf("sender %s disconnected", sess.ID),
			}
			for _, other := range o.Registry.Others(sess.ID) {
				o.send(other, app.Relay, msg)
			}
		})
	}
	step("transport", func() {
		if t := sess.DrainTransport(); t != nil {
			closeLogged(t, "transport", "", sess.ID)
		}
	})
	step("registry", func() {
		o.Registry.Remove(sess.ID, sess)
	})
	step("connection", sess.Conn.Close)
	logger.Info().Msg("teardown done")
}

// TeardownAll tears down every live session concurrently, first sending
// cause as an error frame when non-nil.
func (o *Orchestrator) TeardownAll(reason string, cause error) {
	sessions := o.Registry.All()
	if len(sessions) == 0 {
		return
	}
	log.Warn().Str("module", "orch").Int("sessions", len(sessions)).Str("reason", reason).Msg("tearing down all sessions")
	p := pool.New().WithMaxGoroutines(8)
	for _, s := range sessions {
		p.Go(func() {
			if cause != nil {
				o.sendFrame(s, app.Reply, protocol.ErrorFrame(cause))
			}
			o.Teardown(s, reason)
		})
	}
	p.Wait()
}

// OnEngineFatal reacts to the media worker dying: every session is unusable.
func (o *Orchestrator) OnEngineFatal(err error) {
	o.TeardownAll("media engine died", core.FatalError("engine", err))
}

type closer interface{ Close() error }

func closeLogged(c closer, what, kind string, id domain.ClientID) {
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("client", string(id)).Str("kind", kind).Msgf("%s close failed", what)
	}
}
