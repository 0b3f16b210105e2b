package orch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/app/orch"
	"github.com/dkeye/Relay/internal/core/coretest"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/engine"
	"github.com/dkeye/Relay/internal/engine/enginetest"
	"github.com/dkeye/Relay/internal/protocol"
)

type harness struct {
	fake *enginetest.Engine
	gw   *engine.Gateway
	reg  *app.Registry
	o    *orch.Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := enginetest.New()
	gw := engine.NewGateway(fake.Factory(), engine.DefaultMediaCodecs(), time.Second)
	t.Cleanup(func() { _ = gw.Close() })
	roster, err := domain.NewRoster("A", []string{"B", "C", "D"})
	require.NoError(t, err)
	reg := app.NewRegistry()
	o := orch.New(reg, gw, roster)
	o.CallTimeout = time.Second
	return &harness{fake: fake, gw: gw, reg: reg, o: o}
}

func (h *harness) register(t *testing.T, id, media string) (*app.Session, *coretest.Conn) {
	t.Helper()
	conn := coretest.NewConn()
	var sel *domain.MediaSelection
	if media != "" {
		s, err := domain.ParseMediaSelection(media)
		require.NoError(t, err)
		sel = &s
	}
	sess, err := h.o.Register(conn, domain.ClientID(id), sel)
	require.NoError(t, err)
	return sess, conn
}

// withTransport registers id and creates its transport.
func (h *harness) withTransport(t *testing.T, id, media string) (*app.Session, *coretest.Conn) {
	t.Helper()
	sess, conn := h.register(t, id, media)
	require.NoError(t, h.o.CreateTransport(context.Background(), sess))
	return sess, conn
}

func fakeTransport(t *testing.T, sess *app.Session) *enginetest.Transport {
	t.Helper()
	rec, ok := sess.Transport()
	require.True(t, ok)
	return rec.Transport.(*enginetest.Transport)
}

func fakeProducer(t *testing.T, sess *app.Session, kind domain.MediaKind) *enginetest.Producer {
	t.Helper()
	p, ok := sess.Producer(kind)
	require.True(t, ok)
	return p.(*enginetest.Producer)
}

func opus() engine.RtpParameters {
	return engine.RtpParameters{
		Codecs:    []engine.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []engine.RtpEncodingParameters{{SSRC: 1111}},
	}
}

func vp8() engine.RtpParameters {
	return engine.RtpParameters{
		Codecs:    []engine.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
		Encodings: []engine.RtpEncodingParameters{{SSRC: 2222}},
	}
}

func clientCaps() engine.RtpCapabilities {
	return engine.RtpCapabilities{Codecs: engine.DefaultMediaCodecs()}
}

// produceBoth makes A produce audio and video.
func (h *harness) produceBoth(t *testing.T, a *app.Session) {
	t.Helper()
	require.NoError(t, h.o.Produce(context.Background(), a, domain.KindAudio, opus()))
	require.NoError(t, h.o.Produce(context.Background(), a, domain.KindVideo, vp8()))
}

func lastConsumed(t *testing.T, conn *coretest.Conn) gjson.Result {
	t.Helper()
	frames := conn.OfType(protocol.TypeConsumed)
	require.NotEmpty(t, frames)
	return gjson.ParseBytes(frames[len(frames)-1])
}
