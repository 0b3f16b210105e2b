package app

import (
	"github.com/dkeye/Relay/internal/domain"
)

// ConsumableKinds is the distribution policy: a receiver may consume exactly
// the kinds its selection names, in fixed order.
func ConsumableKinds(sel domain.MediaSelection) []domain.MediaKind {
	return sel.Kinds()
}

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Delivery classifies an outbound frame for backpressure decisions.
type Delivery int

const (
	// Reply answers the session's own request.
	Reply Delivery = iota
	// Relay is best-effort fan-out (offer/answer/ice, notifications).
	Relay
)

type Policy interface {
	OnBackpressure(sess *Session, d Delivery) BackpressureAction
}

// SimplePolicy drops relayed frames for a slow reader and disconnects a
// client that cannot keep up with its own replies.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(_ *Session, d Delivery) BackpressureAction {
	if d == Relay {
		return DropFrame
	}
	return KickMember
}
