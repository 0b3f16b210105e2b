// Package domain contains entities without transport logic, just meta-data
package domain

import (
	"errors"
	"slices"
	"strings"
)

const MaxClientIDLen = 16

var (
	ErrClientIDEmpty   = errors.New("client id empty")
	ErrClientIDTooLong = errors.New("client id too long")
	ErrUnknownClient   = errors.New("client id is not part of the roster")
	ErrRosterInvalid   = errors.New("roster must name a sender and at least one receiver")
)

// ClientID identifies one seat of the session ("A", "B", ...).
type ClientID string

func ParseClientID(raw string) (ClientID, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrClientIDEmpty
	}
	if len(raw) > MaxClientIDLen {
		return "", ErrClientIDTooLong
	}
	return ClientID(raw), nil
}

type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleReceiver:
		return "receiver"
	default:
		return "unknown"
	}
}

// Opposite is the role set that relayed signaling from r is delivered to.
func (r Role) Opposite() Role {
	if r == RoleSender {
		return RoleReceiver
	}
	return RoleSender
}

// Roster is the fixed topology: one sender seat and a bounded set of receiver seats.
type Roster struct {
	sender    ClientID
	receivers []ClientID
}

func NewRoster(sender string, receivers []string) (*Roster, error) {
	s, err := ParseClientID(sender)
	if err != nil {
		return nil, err
	}
	out := make([]ClientID, 0, len(receivers))
	for _, raw := range receivers {
		id, err := ParseClientID(raw)
		if err != nil {
			return nil, err
		}
		if id == s || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, ErrRosterInvalid
	}
	return &Roster{sender: s, receivers: out}, nil
}

func (r *Roster) Sender() ClientID { return r.sender }

func (r *Roster) Receivers() []ClientID { return slices.Clone(r.receivers) }

// Capacity is the maximum number of receiver seats.
func (r *Roster) Capacity() int { return len(r.receivers) }

// RoleOf resolves the role of id, or ErrUnknownClient when id holds no seat.
func (r *Roster) RoleOf(id ClientID) (Role, error) {
	if id == r.sender {
		return RoleSender, nil
	}
	if slices.Contains(r.receivers, id) {
		return RoleReceiver, nil
	}
	return RoleReceiver, ErrUnknownClient
}
