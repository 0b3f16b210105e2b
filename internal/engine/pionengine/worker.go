// Package pionengine implements the media engine on pion's ORTC API. A worker
// owns one shared ICE UDP socket; every router and transport rides on it.
package pionengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/ice/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/engine"
	"github.com/dkeye/Relay/internal/engine/sfu"
)

type Options struct {
	ListenIP      string
	AnnouncedIP   string
	UDPPort       int
	UDPPortMin    uint16
	UDPPortMax    uint16
	ICEServers    []string
	GatherTimeout time.Duration
}

// Factory returns a WorkerFactory starting pion workers with opts.
func Factory(opts Options) engine.WorkerFactory {
	return func(ctx context.Context) (engine.Worker, error) {
		return NewWorker(ctx, opts)
	}
}

type Worker struct {
	opts    Options
	loggers *loggerFactory

	conn   *watchedConn
	udpMux *ice.UDPMuxDefault
	relays *sfu.RelayManager

	// runCtx bounds relay loops; cancelled on Close.
	runCtx context.Context
	cancel context.CancelFunc

	died     chan error
	diedOnce sync.Once

	mu      sync.Mutex
	routers []*Router
	closed  bool
}

func NewWorker(ctx context.Context, opts Options) (*Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = 5 * time.Second
	}
	runCtx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		runCtx:  runCtx,
		cancel:  cancel,
		opts:    opts,
		loggers: newLoggerFactory(),
		relays:  sfu.NewRelayManager(),
		died:    make(chan error, 1),
	}

	if opts.UDPPort > 0 {
		ip := net.ParseIP(opts.ListenIP)
		if opts.ListenIP != "" && ip == nil {
			cancel()
			return nil, fmt.Errorf("invalid listen ip %q", opts.ListenIP)
		}
		udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: opts.UDPPort})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("listen udp %d: %w", opts.UDPPort, err)
		}
		w.conn = &watchedConn{PacketConn: udp, onFail: w.fail}
		w.udpMux = ice.NewUDPMuxDefault(ice.UDPMuxParams{
			Logger:  w.loggers.NewLogger("udpmux"),
			UDPConn: w.conn,
		})
	}

	log.Info().
		Str("module", "engine").
		Str("listen_ip", opts.ListenIP).
		Int("udp_port", opts.UDPPort).
		Msg("pion worker started")
	return w, nil
}

func (w *Worker) CreateRouter(ctx context.Context, codecs []engine.RtpCodecCapability) (engine.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errWorkerClosed
	}
	r, err := newRouter(w, codecs)
	if err != nil {
		return nil, err
	}
	w.routers = append(w.routers, r)
	return r, nil
}

func (w *Worker) Died() <-chan error { return w.died }

func (w *Worker) fail(err error) {
	w.diedOnce.Do(func() {
		log.Error().Err(err).Str("module", "engine").Msg("pion worker socket failed")
		w.died <- err
		close(w.died)
	})
}

func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := w.routers
	w.routers = nil
	w.mu.Unlock()

	var errs []error
	for _, r := range routers {
		errs = append(errs, r.Close())
	}
	w.relays.StopAll()
	w.cancel()
	if w.conn != nil {
		w.conn.closing.Store(true)
		errs = append(errs, w.udpMux.Close())
		if err := w.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var errWorkerClosed = errors.New("pion worker closed")

// watchedConn reports the first unexpected read failure of the shared socket.
type watchedConn struct {
	net.PacketConn
	closing atomic.Bool
	onFail  func(error)
}

func (c *watchedConn) ReadFrom(p []byte) (int, net.Addr, error) {
	n, addr, err := c.PacketConn.ReadFrom(p)
	if err != nil && !c.closing.Load() && !os.IsTimeout(err) {
		c.onFail(fmt.Errorf("udp socket: %w", err))
	}
	return n, addr, err
}

var _ engine.Worker = (*Worker)(nil)
