package sfu

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// PacketSink is the write side of a consumer, e.g. *webrtc.TrackLocalStaticRTP.
type PacketSink interface {
	WriteRTP(p *rtp.Packet) error
}

// OutTrack represents a single outgoing track to a consumer.
type OutTrack struct {
	Sink  PacketSink
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(sink PacketSink, paused bool) *OutTrack {
	ot := &OutTrack{Sink: sink}
	if paused {
		ot.MarkMuted()
	}
	return ot
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

// MarkDelete is terminal.
func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
