package pionengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Relay/internal/engine"
)

type Router struct {
	id     string
	worker *Worker
	codecs []engine.RtpCodecCapability
	api    *webrtc.API

	mu         sync.Mutex
	transports map[string]*Transport
}

func newRouter(w *Worker, codecs []engine.RtpCodecCapability) (*Router, error) {
	var m webrtc.MediaEngine
	for _, c := range codecs {
		if err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: capabilityOf(c),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}, codecType(c.Kind)); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}

	s := webrtc.SettingEngine{LoggerFactory: w.loggers}
	if w.udpMux != nil {
		s.SetICEUDPMux(w.udpMux)
	} else if w.opts.UDPPortMin > 0 && w.opts.UDPPortMax >= w.opts.UDPPortMin {
		if err := s.SetEphemeralUDPPortRange(w.opts.UDPPortMin, w.opts.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}
	if w.opts.AnnouncedIP != "" {
		s.SetNAT1To1IPs([]string{w.opts.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	return &Router{
		id:         uuid.NewString(),
		worker:     w,
		codecs:     codecs,
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(&m), webrtc.WithSettingEngine(s)),
		transports: make(map[string]*Transport),
	}, nil
}

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() engine.RtpCapabilities {
	out := make([]engine.RtpCodecCapability, len(r.codecs))
	copy(out, r.codecs)
	return engine.RtpCapabilities{Codecs: out}
}

// CanConsume holds when the producer's primary codec is known to the router
// and present in caps.
func (r *Router) CanConsume(p engine.Producer, caps engine.RtpCapabilities) bool {
	params := p.RtpParameters()
	if len(params.Codecs) == 0 {
		return false
	}
	c := params.Codecs[0]
	if _, ok := engine.MatchCodec(r.codecs, c.MimeType, c.ClockRate); !ok {
		return false
	}
	_, ok := engine.MatchCodec(caps.Codecs, c.MimeType, c.ClockRate)
	return ok
}

func (r *Router) CreateTransport(ctx context.Context) (engine.Transport, error) {
	t, err := newTransport(ctx, r)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) forget(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Router) Close() error {
	r.mu.Lock()
	ts := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		ts = append(ts, t)
	}
	r.mu.Unlock()
	for _, t := range ts {
		_ = t.Close()
	}
	return nil
}

var _ engine.Router = (*Router)(nil)
