package app

import (
	"maps"
	"sync"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/engine"
)

// TransportRecord is the registry's view of a client's transport. Connected
// is tracked here rather than on the engine handle.
type TransportRecord struct {
	Transport engine.Transport
	Connected bool
}

// Session is one registered seat. State fields are guarded by mu and only
// mutated through the Registry; op serializes handlers against teardown.
type Session struct {
	ID   domain.ClientID
	Role domain.Role
	Conn core.SignalConnection

	op       sync.Mutex
	done     chan struct{}
	doneOnce sync.Once

	mu        sync.Mutex
	selection domain.MediaSelection
	transport *TransportRecord
	producers map[domain.MediaKind]engine.Producer
	consumers map[domain.MediaKind]engine.Consumer
	closed    bool
}

func newSession(id domain.ClientID, role domain.Role, conn core.SignalConnection, sel domain.MediaSelection) *Session {
	return &Session{
		ID:        id,
		Role:      role,
		Conn:      conn,
		selection: sel,
		done:      make(chan struct{}),
		producers: make(map[domain.MediaKind]engine.Producer),
		consumers: make(map[domain.MediaKind]engine.Consumer),
	}
}

// Lock acquires the per-session operation lock. Handlers hold it across
// engine calls; it is never held while taking another session's op lock.
func (s *Session) Lock()   { s.op.Lock() }
func (s *Session) Unlock() { s.op.Unlock() }

func (s *Session) Selection() domain.MediaSelection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection
}

// Transport returns a copy of the transport record.
func (s *Session) Transport() (TransportRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return TransportRecord{}, false
	}
	return *s.transport, true
}

func (s *Session) Producer(kind domain.MediaKind) (engine.Producer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.producers[kind]
	return p, ok
}

func (s *Session) Producers() map[domain.MediaKind]engine.Producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.producers)
}

func (s *Session) Consumers() map[domain.MediaKind]engine.Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.consumers)
}

// Closed reports whether teardown has started.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// MarkClosed flips the session into teardown. It reports false when
// teardown had already started.
func (s *Session) MarkClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// Done is closed once teardown has released everything.
func (s *Session) Done() <-chan struct{} { return s.done }

// Finish marks teardown complete.
func (s *Session) Finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// DrainConsumers detaches every consumer for closing.
func (s *Session) DrainConsumers() map[domain.MediaKind]engine.Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.consumers
	s.consumers = make(map[domain.MediaKind]engine.Consumer)
	return out
}

// DrainProducers detaches every producer for closing.
func (s *Session) DrainProducers() map[domain.MediaKind]engine.Producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.producers
	s.producers = make(map[domain.MediaKind]engine.Producer)
	return out
}

// DrainTransport detaches the transport for closing.
func (s *Session) DrainTransport() engine.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil
	}
	t := s.transport.Transport
	s.transport = nil
	return t
}

// Info is a point-in-time view of a session for diagnostics.
type Info struct {
	Client             string   `json:"client"`
	Role               string   `json:"role"`
	MediaType          string   `json:"mediaType"`
	Transport          string   `json:"transport,omitempty"`
	TransportConnected bool     `json:"transportConnected"`
	Producers          []string `json:"producers,omitempty"`
	Consumers          []string `json:"consumers,omitempty"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		Client:    string(s.ID),
		Role:      s.Role.String(),
		MediaType: s.selection.String(),
	}
	if s.transport != nil {
		info.Transport = s.transport.Transport.ID()
		info.TransportConnected = s.transport.Connected
	}
	for _, k := range domain.AllKinds {
		if _, ok := s.producers[k]; ok {
			info.Producers = append(info.Producers, string(k))
		}
		if _, ok := s.consumers[k]; ok {
			info.Consumers = append(info.Consumers, string(k))
		}
	}
	return info
}
