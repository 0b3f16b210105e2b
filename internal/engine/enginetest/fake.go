// Package enginetest provides an in-memory media engine for tests. Every
// handle counts its calls so tests can assert exactly-once behaviour.
package enginetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/engine"
)

var ErrClosed = errors.New("enginetest: closed")

// Engine is a WorkerFactory with knobs.
type Engine struct {
	Starts atomic.Int32

	mu       sync.Mutex
	failNext []error
	gate     chan struct{}
	workers  []*Worker

	// Delay is applied to transport Connect/Produce/Consume, honouring ctx.
	Delay time.Duration
}

func New() *Engine { return &Engine{} }

// FailNext makes the next worker start return err.
func (e *Engine) FailNext(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext = append(e.failNext, err)
}

// Hold blocks worker starts until the returned release func is called.
func (e *Engine) Hold() (release func()) {
	gate := make(chan struct{})
	e.mu.Lock()
	e.gate = gate
	e.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (e *Engine) Factory() engine.WorkerFactory {
	return func(ctx context.Context) (engine.Worker, error) {
		e.Starts.Add(1)
		e.mu.Lock()
		gate := e.gate
		e.mu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if len(e.failNext) > 0 {
			err := e.failNext[0]
			e.failNext = e.failNext[1:]
			return nil, err
		}
		w := &Worker{engine: e, died: make(chan error, 1)}
		e.workers = append(e.workers, w)
		return w, nil
	}
}

// LastWorker returns the most recently started worker.
func (e *Engine) LastWorker() *Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.workers) == 0 {
		return nil
	}
	return e.workers[len(e.workers)-1]
}

type Worker struct {
	engine *Engine
	died   chan error
	killed sync.Once
	closed atomic.Bool

	mu     sync.Mutex
	router *Router
}

func (w *Worker) CreateRouter(_ context.Context, codecs []engine.RtpCodecCapability) (engine.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.router = &Router{id: uuid.NewString(), engine: w.engine, caps: engine.RtpCapabilities{Codecs: codecs}}
	return w.router, nil
}

func (w *Worker) Died() <-chan error { return w.died }

// Kill simulates the worker process dying.
func (w *Worker) Kill(err error) {
	w.killed.Do(func() {
		w.died <- err
		close(w.died)
	})
}

func (w *Worker) Close() error {
	w.closed.Store(true)
	return nil
}

func (w *Worker) Router() *Router {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.router
}

type Router struct {
	id     string
	engine *Engine
	caps   engine.RtpCapabilities

	mu         sync.Mutex
	transports []*Transport
}

func (r *Router) ID() string                              { return r.id }
func (r *Router) RtpCapabilities() engine.RtpCapabilities { return r.caps }
func (r *Router) Close() error                            { return nil }

func (r *Router) CanConsume(p engine.Producer, caps engine.RtpCapabilities) bool {
	params := p.RtpParameters()
	if len(params.Codecs) == 0 {
		return false
	}
	_, ok := engine.MatchCodec(caps.Codecs, params.Codecs[0].MimeType, params.Codecs[0].ClockRate)
	return ok
}

func (r *Router) CreateTransport(ctx context.Context) (engine.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := &Transport{
		id:     uuid.NewString(),
		router: r,
	}
	r.mu.Lock()
	r.transports = append(r.transports, t)
	r.mu.Unlock()
	return t, nil
}

// Transports lists every transport created on this router.
func (r *Router) Transports() []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Transport, len(r.transports))
	copy(out, r.transports)
	return out
}

type Transport struct {
	id     string
	router *Router

	Connects atomic.Int32
	Closes   atomic.Int32

	mu         sync.Mutex
	ConnectErr error
	ProduceErr error
	ConsumeErr error
	producers  []*Producer
	consumers  []*Consumer
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Params() engine.TransportParams {
	return engine.TransportParams{
		ID:            t.id,
		IceParameters: engine.IceParameters{UsernameFragment: "ufrag-" + t.id[:8], Password: "pwd", IceLite: true},
		IceCandidates: []engine.IceCandidate{{
			Foundation: "1", Priority: 1, Address: "127.0.0.1", Protocol: "udp", Port: 10000, Type: "host",
		}},
		DtlsParameters: engine.DtlsParameters{
			Role:         "auto",
			Fingerprints: []engine.DtlsFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
		},
	}
}

func (t *Transport) wait(ctx context.Context) error {
	d := t.router.engine.Delay
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Connect(ctx context.Context, _ engine.ConnectOptions) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	t.Connects.Add(1)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ConnectErr
}

func (t *Transport) Produce(ctx context.Context, opts engine.ProduceOptions) (engine.Producer, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	if t.Closes.Load() > 0 {
		return nil, ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ProduceErr != nil {
		return nil, t.ProduceErr
	}
	p := &Producer{id: uuid.NewString(), kind: opts.Kind, params: opts.RtpParameters}
	t.producers = append(t.producers, p)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts engine.ConsumeOptions) (engine.Consumer, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	if fp, ok := opts.Producer.(*Producer); ok && fp.Closes.Load() > 0 {
		return nil, ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConsumeErr != nil {
		return nil, t.ConsumeErr
	}
	c := &Consumer{
		id:         uuid.NewString(),
		producerID: opts.Producer.ID(),
		kind:       opts.Producer.Kind(),
		params:     opts.Producer.RtpParameters(),
	}
	t.consumers = append(t.consumers, c)
	return c, nil
}

func (t *Transport) Close() error {
	t.Closes.Add(1)
	return nil
}

// SetErrors configures failure injection.
func (t *Transport) SetErrors(connect, produce, consume error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ConnectErr, t.ProduceErr, t.ConsumeErr = connect, produce, consume
}

func (t *Transport) Producers() []*Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Producer, len(t.producers))
	copy(out, t.producers)
	return out
}

func (t *Transport) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Consumer, len(t.consumers))
	copy(out, t.consumers)
	return out
}

type Producer struct {
	id     string
	kind   domain.MediaKind
	params engine.RtpParameters
	Closes atomic.Int32
}

func (p *Producer) ID() string                          { return p.id }
func (p *Producer) Kind() domain.MediaKind              { return p.kind }
func (p *Producer) RtpParameters() engine.RtpParameters { return p.params }
func (p *Producer) Close() error {
	p.Closes.Add(1)
	return nil
}

type Consumer struct {
	id         string
	producerID string
	kind       domain.MediaKind
	params     engine.RtpParameters
	Closes     atomic.Int32
}

func (c *Consumer) ID() string             { return c.id }
func (c *Consumer) ProducerID() string     { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind { return c.kind }
func (c *Consumer) Params() engine.ConsumerParams {
	return engine.ConsumerParams{ID: c.id, Kind: c.kind, RtpParameters: c.params, ProducerID: c.producerID}
}
func (c *Consumer) Close() error {
	c.Closes.Add(1)
	return nil
}

var (
	_ engine.Worker    = (*Worker)(nil)
	_ engine.Router    = (*Router)(nil)
	_ engine.Transport = (*Transport)(nil)
	_ engine.Producer  = (*Producer)(nil)
	_ engine.Consumer  = (*Consumer)(nil)
)
