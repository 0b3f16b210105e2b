package sfu

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// RelayManager keeps one Relay per producer id.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

// StartRelay creates a Relay for producerID reading from src and starts its loop.
// An existing relay for the same producer is stopped first.
func (m *RelayManager) StartRelay(ctx context.Context, producerID string, src PacketSource) {
	logger := log.With().
		Str("module", "sfu").
		Str("producer", producerID).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, cancel)

	m.mu.Lock()
	if old, ok := m.relays[producerID]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		old.markAllDelete()
		old.cancel()
	}
	m.relays[producerID] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
}

// AddSubscriber attaches sink as consumerID's out track on producerID's relay.
func (m *RelayManager) AddSubscriber(producerID, consumerID string, sink PacketSink, paused bool) bool {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(consumerID, NewOutTrack(sink, paused))
	return true
}

// SetSubscriberPaused mutes or resumes a consumer without detaching it.
func (m *RelayManager) SetSubscriberPaused(producerID, consumerID string, paused bool) {
	ot, ok := m.lookup(producerID, consumerID)
	if !ok {
		return
	}
	if paused {
		ot.MarkMuted()
	} else {
		ot.MarkOk()
	}
}

// MarkSubscriberDelete marks a consumer's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(producerID, consumerID string) {
	if ot, ok := m.lookup(producerID, consumerID); ok {
		ot.MarkDelete()
	}
}

func (m *RelayManager) lookup(producerID, consumerID string) (*OutTrack, bool) {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return relay.outTrack(consumerID)
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(producerID string) {
	m.mu.Lock()
	relay, ok := m.relays[producerID]
	if ok {
		delete(m.relays, producerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.cancel()
}

// HasRelay reports whether a relay exists for producerID.
func (m *RelayManager) HasRelay(producerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[producerID]
	return ok
}

// StopAll stops every relay; used on worker shutdown.
func (m *RelayManager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*Relay)
	m.mu.Unlock()
	for _, r := range relays {
		r.markAllDelete()
		r.cancel()
	}
}
