package orch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dkeye/Relay/internal/core/coretest"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/protocol"
)

func TestScenarioA_SenderProducesBothKinds(t *testing.T) {
	h := newHarness(t)
	a, conn := h.withTransport(t, "A", "audio+video")

	h.produceBoth(t, a)

	produced := conn.OfType(protocol.TypeProduced)
	require.Len(t, produced, 2)
	first, second := gjson.ParseBytes(produced[0]), gjson.ParseBytes(produced[1])
	assert.Equal(t, "audio", first.Get("kind").String())
	assert.Equal(t, "video", second.Get("kind").String())
	assert.NotEmpty(t, first.Get("id").String())
	assert.NotEqual(t, first.Get("id").String(), second.Get("id").String())
}

func TestScenarioB_ConsumeBeforeAnyProducer(t *testing.T) {
	h := newHarness(t)
	b, conn := h.withTransport(t, "B", "audio")

	require.NoError(t, h.o.Consume(context.Background(), b, clientCaps()))

	frames := conn.OfType(protocol.TypeConsumed)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"type":"consumed"}`, string(frames[0]))
}

func TestScenarioC_AudioOnlyReceiverGetsAudio(t *testing.T) {
	h := newHarness(t)
	a, _ := h.withTransport(t, "A", "audio+video")
	require.NoError(t, h.o.Produce(context.Background(), a, domain.KindAudio, opus()))

	b, conn := h.withTransport(t, "B", "audio")
	require.NoError(t, h.o.Consume(context.Background(), b, clientCaps()))

	got := lastConsumed(t, conn)
	assert.True(t, got.Get("audio").Exists())
	assert.Equal(t, fakeProducer(t, a, domain.KindAudio).ID(), got.Get("audio.producerId").String())
	assert.False(t, got.Get("video").Exists())
}

func TestScenarioD_SenderDisconnectNotifiesReceivers(t *testing.T) {
	h := newHarness(t)
	a, _ := h.withTransport(t, "A", "audio+video")
	h.produceBoth(t, a)
	oldTransport := fakeTransport(t, a)
	audio, video := fakeProducer(t, a, domain.KindAudio), fakeProducer(t, a, domain.KindVideo)

	conns := map[string]*coretest.Conn{}
	for _, id := range []string{"B", "C", "D"} {
		s, c := h.withTransport(t, id, "audio+video")
		require.NoError(t, h.o.Consume(context.Background(), s, clientCaps()))
		conns[id] = c
	}

	h.o.Teardown(a, "connection closed")

	for id, c := range conns {
		assert.Len(t, c.OfType(protocol.TypeProducerClosed), 1, id)
		s, err := h.reg.Get(domain.ClientID(id))
		require.NoError(t, err)
		assert.Empty(t, s.Consumers(), id)
	}
	assert.EqualValues(t, 1, audio.Closes.Load())
	assert.EqualValues(t, 1, video.Closes.Load())
	assert.EqualValues(t, 1, oldTransport.Closes.Load())
	_, err := h.reg.Get("A")
	assert.Error(t, err)

	fresh, conn := h.withTransport(t, "A", "audio+video")
	assert.NotEqual(t, oldTransport.ID(), fakeTransport(t, fresh).ID())
	require.NoError(t, h.o.Produce(context.Background(), fresh, domain.KindAudio, opus()))
	assert.Len(t, conn.OfType(protocol.TypeProduced), 1)
	assert.EqualValues(t, 1, oldTransport.Closes.Load())
}
