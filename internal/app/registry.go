package app

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/engine"
)

var (
	ErrAlreadyRegistered = errors.New("client already registered")
	ErrNotFound          = errors.New("session not found")
	ErrTransportExists   = errors.New("transport already exists")
	ErrProducerGone      = errors.New("producer is no longer live")
)

// Registry is the single authoritative store of sessions. mu guards only the
// map; per-session state has its own lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.ClientID]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.ClientID]*Session),
	}
}

func (r *Registry) Register(id domain.ClientID, role domain.Role, conn core.SignalConnection, sel domain.MediaSelection) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, ErrAlreadyRegistered
	}
	if role == domain.RoleSender {
		for _, s := range r.sessions {
			if s.Role == domain.RoleSender {
				return nil, ErrAlreadyRegistered
			}
		}
	}
	s := newSession(id, role, conn, sel)
	r.sessions[id] = s
	log.Info().
		Str("module", "app.registry").
		Str("client", string(id)).
		Str("role", role.String()).
		Str("media", sel.String()).
		Msg("registered session")
	return s, nil
}

func (r *Registry) Get(id domain.ClientID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	return nil, ErrNotFound
}

// Sender returns the live sender session, if any.
func (r *Registry) Sender() (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.Role == domain.RoleSender {
			return s, true
		}
	}
	return nil, false
}

func (r *Registry) UpdateMediaSelection(id domain.ClientID, sel domain.MediaSelection) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.selection = sel
	s.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("client", string(id)).Str("media", sel.String()).Msg("updated media selection")
	return nil
}

func (r *Registry) SetTransport(id domain.ClientID, t engine.Transport) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrSessionClosed
	}
	if s.transport != nil {
		return ErrTransportExists
	}
	s.transport = &TransportRecord{Transport: t}
	log.Info().Str("module", "app.registry").Str("client", string(id)).Str("transport", t.ID()).Msg("set transport")
	return nil
}

func (r *Registry) MarkTransportConnected(id domain.ClientID) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return core.ErrNoTransport
	}
	s.transport.Connected = true
	log.Info().Str("module", "app.registry").Str("client", string(id)).Msg("transport connected")
	return nil
}

// AddProducer stores p for kind and returns the producer it replaced, if any.
func (r *Registry) AddProducer(id domain.ClientID, kind domain.MediaKind, p engine.Producer) (engine.Producer, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrSessionClosed
	}
	if s.transport == nil {
		return nil, core.ErrNoTransport
	}
	old := s.producers[kind]
	s.producers[kind] = p
	log.Info().Str("module", "app.registry").Str("client", string(id)).Str("kind", string(kind)).Str("producer", p.ID()).Msg("added producer")
	return old, nil
}

// AddConsumer stores c for kind on id, provided from is still the sender's
// current producer for that kind. Checking and storing happen under the
// sender's state lock so a concurrent sender teardown either sees the
// consumer in its sweep or makes this call fail.
func (r *Registry) AddConsumer(id domain.ClientID, kind domain.MediaKind, c engine.Consumer, from engine.Producer) (engine.Consumer, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	sender, ok := r.Sender()
	if !ok {
		return nil, ErrProducerGone
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.closed || sender.producers[kind] != from {
		return nil, ErrProducerGone
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrSessionClosed
	}
	old := s.consumers[kind]
	s.consumers[kind] = c
	log.Info().Str("module", "app.registry").Str("client", string(id)).Str("kind", string(kind)).Str("consumer", c.ID()).Msg("added consumer")
	return old, nil
}

// DetachedConsumer is a consumer removed from a receiver by a producer sweep.
type DetachedConsumer struct {
	Session  *Session
	Kind     domain.MediaKind
	Consumer engine.Consumer
}

// DetachConsumersOf removes, from every session, the consumers bound to the
// given producer ids and returns them for closing.
func (r *Registry) DetachConsumersOf(producerIDs ...string) []DetachedConsumer {
	var out []DetachedConsumer
	for _, s := range r.All() {
		s.mu.Lock()
		for _, k := range domain.AllKinds {
			c, ok := s.consumers[k]
			if ok && slices.Contains(producerIDs, c.ProducerID()) {
				delete(s.consumers, k)
				out = append(out, DetachedConsumer{Session: s, Kind: k, Consumer: c})
			}
		}
		s.mu.Unlock()
	}
	if len(out) > 0 {
		log.Info().Str("module", "app.registry").Int("consumers", len(out)).Str("producers", strings.Join(producerIDs, ",")).Msg("detached consumers")
	}
	return out
}

// Remove deletes id only while it still maps to sess, so a stale teardown
// cannot evict a newer registration.
func (r *Registry) Remove(id domain.ClientID, sess *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[id]
	if !ok || cur != sess {
		return nil, false
	}
	delete(r.sessions, id)
	log.Info().Str("module", "app.registry").Str("client", string(id)).Msg("removed session")
	return cur, true
}

// All returns the live sessions at call time.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Others returns every live session except id.
func (r *Registry) Others(id domain.ClientID) []*Session {
	all := r.All()
	return slices.DeleteFunc(all, func(s *Session) bool { return s.ID == id })
}

// WithRole returns the live sessions holding role.
func (r *Registry) WithRole(role domain.Role) []*Session {
	all := r.All()
	return slices.DeleteFunc(all, func(s *Session) bool { return s.Role != role })
}

// Snapshot lists session infos ordered by client id.
func (r *Registry) Snapshot() []Info {
	all := r.All()
	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.Client, b.Client) })
	return out
}
