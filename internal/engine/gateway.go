package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/Relay/internal/core"
)

const routerKey = "router"

var ErrGatewayClosed = errors.New("engine gateway closed")

// Gateway lazily starts the worker and router on first use. Concurrent first
// callers share one initialization attempt; a failed attempt is not cached so
// the next call starts over.
type Gateway struct {
	newWorker   WorkerFactory
	codecs      []RtpCodecCapability
	initTimeout time.Duration

	group singleflight.Group

	mu     sync.RWMutex
	worker Worker
	router Router
	closed bool

	done      chan struct{}
	fatal     chan error
	fatalOnce sync.Once
}

func NewGateway(factory WorkerFactory, codecs []RtpCodecCapability, initTimeout time.Duration) *Gateway {
	if initTimeout <= 0 {
		initTimeout = 15 * time.Second
	}
	return &Gateway{
		newWorker:   factory,
		codecs:      codecs,
		initTimeout: initTimeout,
		done:        make(chan struct{}),
		fatal:       make(chan error, 1),
	}
}

// AcquireRouter returns the singleton router, initializing it if needed.
// ctx bounds only this caller's wait; the shared attempt runs under initTimeout.
func (g *Gateway) AcquireRouter(ctx context.Context) (Router, error) {
	if r := g.current(); r != nil {
		return r, nil
	}
	ch := g.group.DoChan(routerKey, func() (any, error) {
		return g.initialize(ctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Router), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ready reports whether a router is currently initialized.
func (g *Gateway) Ready() bool { return g.current() != nil }

// Fatal delivers at most one error when the worker dies.
func (g *Gateway) Fatal() <-chan error { return g.fatal }

func (g *Gateway) current() Router {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.router
}

func (g *Gateway) initialize(parent context.Context) (Router, error) {
	g.mu.RLock()
	r, closed := g.router, g.closed
	g.mu.RUnlock()
	if closed {
		return nil, ErrGatewayClosed
	}
	if r != nil {
		return r, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), g.initTimeout)
	defer cancel()

	logger := log.With().Str("module", "engine").Logger()
	logger.Info().Msg("starting media worker")

	w, err := g.newWorker(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("worker start failed")
		return nil, fmt.Errorf("start worker: %w", err)
	}
	r, err = w.CreateRouter(ctx, g.codecs)
	if err != nil {
		logger.Error().Err(err).Msg("router create failed")
		if cerr := w.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("worker close after failed init")
		}
		return nil, fmt.Errorf("create router: %w", err)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = r.Close()
		_ = w.Close()
		return nil, ErrGatewayClosed
	}
	g.worker, g.router = w, r
	g.mu.Unlock()

	go g.watch(w)
	logger.Info().Str("router", r.ID()).Msg("media router ready")
	return r, nil
}

func (g *Gateway) watch(w Worker) {
	var cause error
	select {
	case <-g.done:
		return
	case err, ok := <-w.Died():
		cause = core.ErrEngineDied
		if ok && err != nil {
			cause = fmt.Errorf("%w: %v", core.ErrEngineDied, err)
		}
	}

	g.mu.Lock()
	if g.worker == w {
		g.worker, g.router = nil, nil
	}
	g.mu.Unlock()

	log.Error().Err(cause).Str("module", "engine").Msg("media worker died")
	g.fatalOnce.Do(func() { g.fatal <- cause })
}

// Close releases the router and worker; later acquisitions fail.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.done)
	w, r := g.worker, g.router
	g.worker, g.router = nil, nil
	g.mu.Unlock()

	var errs []error
	if r != nil {
		errs = append(errs, r.Close())
	}
	if w != nil {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}
