package pionengine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/engine"
)

var (
	errIceParametersRequired = errors.New("remote ice parameters required")
	errAlreadyConnecting     = errors.New("transport already connecting")
	errTransportClosed       = errors.New("transport closed")
	errForeignProducer       = errors.New("producer does not belong to this engine")
)

// Transport is one ICE+DTLS association built from pion's ORTC objects.
type Transport struct {
	id     string
	router *Router
	logger zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   engine.TransportParams

	// connected is closed once DTLS is up; srtp streams exist only after that.
	connected chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	connecting bool
	producers  map[string]*Producer
	consumers  map[string]*Consumer
}

func newTransport(ctx context.Context, r *Router) (*Transport, error) {
	var servers []webrtc.ICEServer
	if len(r.worker.opts.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: r.worker.opts.ICEServers}}
	}
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	iceTransport := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(iceTransport, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	t := &Transport{
		id:        uuid.NewString(),
		router:    r,
		gatherer:  gatherer,
		ice:       iceTransport,
		dtls:      dtls,
		connected: make(chan struct{}),
		closed:    make(chan struct{}),
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
	t.logger = log.With().Str("module", "engine").Str("transport", t.id).Logger()

	if err := t.gather(ctx); err != nil {
		t.stop()
		return nil, err
	}
	return t, nil
}

func (t *Transport) gather(ctx context.Context) error {
	done := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("gather: %w", err)
	}

	timer, cancel := context.WithTimeout(ctx, t.router.worker.opts.GatherTimeout)
	defer cancel()
	select {
	case <-done:
	case <-timer.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.logger.Warn().Msg("ice gathering timed out, using candidates so far")
	}

	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local ice parameters: %w", err)
	}
	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return fmt.Errorf("local candidates: %w", err)
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}

	t.params = engine.TransportParams{
		ID: t.id,
		IceParameters: engine.IceParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			IceLite:          iceParams.ICELite,
		},
		IceCandidates:  make([]engine.IceCandidate, 0, len(candidates)),
		DtlsParameters: localDTLS(dtlsParams),
	}
	for _, c := range candidates {
		t.params.IceCandidates = append(t.params.IceCandidates, iceCandidate(c))
	}
	t.logger.Info().Int("candidates", len(candidates)).Msg("transport gathered")
	return nil
}

func (t *Transport) ID() string                     { return t.id }
func (t *Transport) Params() engine.TransportParams { return t.params }

// Connect validates the remote parameters and starts ICE and DTLS in the
// background. Both block until the peer shows up, so completion is logged.
func (t *Transport) Connect(ctx context.Context, opts engine.ConnectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if opts.IceParameters == nil {
		return errIceParametersRequired
	}
	if len(opts.DtlsParameters.Fingerprints) == 0 {
		return errors.New("remote dtls fingerprints required")
	}

	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		return errTransportClosed
	default:
	}
	if t.connecting {
		t.mu.Unlock()
		return errAlreadyConnecting
	}
	t.connecting = true
	t.mu.Unlock()

	remoteICE := webrtc.ICEParameters{
		UsernameFragment: opts.IceParameters.UsernameFragment,
		Password:         opts.IceParameters.Password,
		ICELite:          opts.IceParameters.IceLite,
	}
	remoteDTLS := remoteDTLS(opts.DtlsParameters)

	go func() {
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(nil, remoteICE, &role); err != nil {
			t.logger.Warn().Err(err).Msg("ice start failed")
			return
		}
		if err := t.dtls.Start(remoteDTLS); err != nil {
			t.logger.Warn().Err(err).Msg("dtls start failed")
			return
		}
		t.logger.Info().Msg("transport connected")
		close(t.connected)
	}()
	return nil
}

func (t *Transport) Produce(ctx context.Context, opts engine.ProduceOptions) (engine.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := newProducer(t, opts)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		_ = p.Close()
		return nil, errTransportClosed
	default:
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts engine.ConsumeOptions) (engine.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, ok := opts.Producer.(*Producer)
	if !ok {
		return nil, errForeignProducer
	}
	c, err := newConsumer(t, src, opts.RtpCapabilities, opts.Paused)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		_ = c.Close()
		return nil, errTransportClosed
	default:
	}
	t.consumers[c.id] = c
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		close(t.closed)
		producers, consumers := t.producers, t.consumers
		t.producers, t.consumers = nil, nil
		t.mu.Unlock()

		for _, c := range consumers {
			_ = c.Close()
		}
		for _, p := range producers {
			_ = p.Close()
		}
		t.router.forget(t.id)
		err = t.stop()
		t.logger.Info().Msg("transport closed")
	})
	return err
}

// forget drops a closed producer or consumer from the transport's books.
func (t *Transport) forget(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	delete(t.consumers, id)
	t.mu.Unlock()
}

func (t *Transport) stop() error {
	return errors.Join(t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
}

var _ engine.Transport = (*Transport)(nil)
