// Package coretest provides a recording SignalConnection for tests.
package coretest

import (
	"encoding/json"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/dkeye/Relay/internal/core"
)

// Conn records every frame it accepts.
type Conn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed int
	full   bool
}

func NewConn() *Conn { return &Conn{} }

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return core.ErrConnClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, append(core.Frame(nil), f...))
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

// SetFull makes TrySend report backpressure.
func (c *Conn) SetFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed > 0
}

func (c *Conn) Frames() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// OfType returns the frames whose "type" equals typ.
func (c *Conn) OfType(typ string) []core.Frame {
	var out []core.Frame
	for _, f := range c.Frames() {
		if gjson.GetBytes(f, "type").String() == typ {
			out = append(out, f)
		}
	}
	return out
}

// Last decodes the most recent frame of typ into v and reports whether one existed.
func (c *Conn) Last(typ string, v any) bool {
	fs := c.OfType(typ)
	if len(fs) == 0 {
		return false
	}
	return json.Unmarshal(fs[len(fs)-1], v) == nil
}

// Reset drops recorded frames.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

var _ core.SignalConnection = (*Conn)(nil)
