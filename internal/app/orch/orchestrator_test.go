package orch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/core/coretest"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/engine"
	"github.com/dkeye/Relay/internal/protocol"
)

func TestRegister_UnknownClientRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.Register(nil, "Z", nil)
	require.ErrorIs(t, err, domain.ErrUnknownClient)
	assert.Equal(t, core.KindPrecondition, core.KindOf(err))
}

func TestRegister_AckAndDefaultSelection(t *testing.T) {
	h := newHarness(t)
	_, conn := h.register(t, "B", "")

	var ack protocol.Registered
	require.True(t, conn.Last(protocol.TypeRegistered, &ack))
	assert.Equal(t, "B", ack.Client)
	assert.Equal(t, "receiver", ack.Role)
	assert.Equal(t, "audio+video", ack.MediaType)
}

func TestRegister_ReplacesWithoutLeaking(t *testing.T) {
	h := newHarness(t)
	old, oldConn := h.withTransport(t, "B", "audio")
	oldTransport := fakeTransport(t, old)

	fresh, _ := h.register(t, "B", "video")

	assert.True(t, oldConn.Closed())
	assert.EqualValues(t, 1, oldTransport.Closes.Load())
	got, err := h.reg.Get("B")
	require.NoError(t, err)
	assert.Same(t, fresh, got)
	assert.Len(t, h.reg.All(), 1)

	// The old connection's own close is a no-op now.
	h.o.Teardown(old, "connection closed")
	got, err = h.reg.Get("B")
	require.NoError(t, err)
	assert.Same(t, fresh, got)
}

func TestCreateTransport_Idempotent(t *testing.T) {
	h := newHarness(t)
	b, conn := h.withTransport(t, "B", "audio")
	require.NoError(t, h.o.CreateTransport(context.Background(), b))

	frames := conn.OfType(protocol.TypeTransportCreated)
	require.Len(t, frames, 2)
	assert.Equal(t,
		gjson.GetBytes(frames[0], "params.id").String(),
		gjson.GetBytes(frames[1], "params.id").String())
	assert.Len(t, h.fake.LastWorker().Router().Transports(), 1)
}

func TestCreateTransport_EngineInitFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.fake.FailNext(errors.New("worker binary missing"))
	b, conn := h.register(t, "B", "audio")

	err := h.o.CreateTransport(context.Background(), b)
	require.ErrorIs(t, err, core.ErrEngineNotReady)
	assert.Equal(t, core.KindPrecondition, core.KindOf(err))
	_, hasTransport := b.Transport()
	assert.False(t, hasTransport)

	require.NoError(t, h.o.CreateTransport(context.Background(), b))
	assert.Len(t, conn.OfType(protocol.TypeTransportCreated), 1)
}

func TestConnectTransport_AppliesOnce(t *testing.T) {
	h := newHarness(t)
	b, conn := h.withTransport(t, "B", "audio")
	req := protocol.ConnectTransportRequest{DtlsParameters: &engine.DtlsParameters{
		Role:         "client",
		Fingerprints: []engine.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA"}},
	}}

	require.NoError(t, h.o.ConnectTransport(context.Background(), b, req))
	require.NoError(t, h.o.ConnectTransport(context.Background(), b, req))

	assert.EqualValues(t, 1, fakeTransport(t, b).Connects.Load())
	assert.Len(t, conn.OfType(protocol.TypeTransportConnected), 1)
	assert.Len(t, conn.OfType(protocol.TypeTransportAlreadyConnected), 1)
}

func TestConnectTransport_FailureAllowsRetry(t *testing.T) {
	h := newHarness(t)
	b, conn := h.withTransport(t, "B", "audio")
	tr := fakeTransport(t, b)
	tr.SetErrors(errors.New("bad fingerprint"), nil, nil)
	req := protocol.ConnectTransportRequest{DtlsParameters: &engine.DtlsParameters{}}

	err := h.o.ConnectTransport(context.Background(), b, req)
	require.Error(t, err)
	assert.Equal(t, core.KindEngine, core.KindOf(err))

	tr.SetErrors(nil, nil, nil)
	require.NoError(t, h.o.ConnectTransport(context.Background(), b, req))
	assert.Len(t, conn.OfType(protocol.TypeTransportConnected), 1)
}

func TestConnectTransport_RequiresTransport(t *testing.T) {
	h := newHarness(t)
	b, _ := h.register(t, "B", "audio")
	err := h.o.ConnectTransport(context.Background(), b, protocol.ConnectTransportRequest{DtlsParameters: &engine.DtlsParameters{}})
	assert.ErrorIs(t, err, core.ErrNoTransport)
}

func TestProduce_Preconditions(t *testing.T) {
	h := newHarness(t)
	a, conn := h.register(t, "A", "audio+video")
	b, _ := h.withTransport(t, "B", "audio")

	err := h.o.Produce(context.Background(), b, domain.KindAudio, opus())
	assert.ErrorIs(t, err, core.ErrSenderOnly)

	err = h.o.Produce(context.Background(), a, domain.KindAudio, engine.RtpParameters{})
	assert.ErrorIs(t, err, core.ErrEmptyCodecs)

	err = h.o.Produce(context.Background(), a, domain.KindAudio, opus())
	assert.ErrorIs(t, err, core.ErrNoTransport)
	assert.Equal(t, core.KindPrecondition, core.KindOf(err))

	assert.Empty(t, conn.OfType(protocol.TypeProduced))
	assert.Empty(t, a.Producers())
}

func TestProduce_EngineFailureLeavesNoProducer(t *testing.T) {
	h := newHarness(t)
	a, _ := h.withTransport(t, "A", "audio+video")
	fakeTransport(t, a).SetErrors(nil, errors.New("ssrc clash"), nil)

	err := h.o.Produce(context.Background(), a, domain.KindAudio, opus())
	require.Error(t, err)
	assert.Equal(t, core.KindEngine, core.KindOf(err))
	assert.Empty(t, a.Producers())
}

func TestProduce_TimeoutIsTyped(t *testing.T) {
	h := newHarness(t)
	a, _ := h.withTransport(t, "A", "audio+video")
	h.fake.Delay = 200 * time.Millisecond
	h.o.CallTimeout = 20 * time.Millisecond

	err := h.o.Produce(context.Background(), a, domain.KindAudio, opus())
	require.Error(t, err)
	assert.Equal(t, core.KindTimeout, core.KindOf(err))
	assert.Empty(t, a.Producers())
}

func TestProduce_ReplacementRetiresOldProducer(t *testing.T) {
	h := newHarness(t)
	a, _ := h.withTransport(t, "A", "audio+video")
	require.NoError(t, h.o.Produce(context.Background(), a, domain.KindAudio, opus()))
	first := fakeProducer(t, a, domain.KindAudio)

	b, bConn := h.withTransport(t, "B", "audio")
	require.NoError(t, h.o.Consume(context.Background(), b, clientCaps()))
	require.Len(t, b.Consumers(), 1)

	require.NoError(t, h.o.Produce(context.Background(), a, domain.KindAudio, opus()))

	assert.EqualValues(t, 1, first.Closes.Load())
	assert.NotEqual(t, first.ID(), fakeProducer(t, a, domain.KindAudio).ID())
	assert.Empty(t, b.Consumers())
	closed := bConn.OfType(protocol.TypeProducerClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "audio", gjson.GetBytes(closed[0], "kind").String())

	// Re-consuming picks up the new producer.
	require.NoError(t, h.o.Consume(context.Background(), b, clientCaps()))
	assert.Equal(t, fakeProducer(t, a, domain.KindAudio).ID(), lastConsumed(t, bConn).Get("audio.producerId").String())
}

func TestConsume_SelectionFiltersKinds(t *testing.T) {
	h := newHarness(t)
	a, _ := h.withTransport(t, "A", "audio+video")
	h.produceBoth(t, a)

	b, bConn := h.withTransport(t, "B", "audio")
	c, cConn := h.withTransport(t, "C", "video")
	d, dConn := h.withTransport(t, "D", "audio+video")
	require.NoError(t, h.o.Consume(context.Background(), b, clientCaps()))
	require.NoError(t, h.o.Consume(context.Background(), c, clientCaps()))
	require.NoError(t, h.o.Consume(context.Background(), d, clientCaps()))

	got := lastConsumed(t, bConn)
	assert.True(t, got.Get("audio").Exists())
	assert.False(t, got.Get("video").Exists())

	got = lastConsumed(t, cConn)
	assert.False(t, got.Get("audio").Exists())
	assert.True(t, got.Get("video").Exists())

	got = lastConsumed(t, dConn)
	assert.True(t, got.Get("audio").Exists())
	assert.True(t, got.Get("video").Exists())
}

func TestConsume_RepeatReusesConsumer(t *testing.T) {
	h := newHarness(t)
	a, _ := h.withTransport(t, "A", "audio+video")
	require.NoError(t, h.o.Produce(context.Background(), a, domain.KindAudio, opus()))
	b, bConn := h.withTransport(t, "B", "audio")

	require.NoError(t, h.o.Consume(context.Background(), b, clientCaps()))
	firstID := lastConsumed(t, bConn).Get("audio.id").String()
	require.NoError(t, h.o.Consume(context.Background(), b, clientCaps()))

	assert.Equal(t, firstID, lastConsumed(t, bConn).Get("audio.id").String())
	assert.Len(t, fakeTransport(t, b).Consumers(), 1)
}

func TestConsume_IncompatibleCapsOmitKind(t *testing.T) {
	h := newHarness(t)
	a, _ := h.withTransport(t, "A", "audio+video")
	h.produceBoth(t, a)
	b, bConn := h.withTransport(t, "B", "audio+video")

	opusOnly := engine.RtpCapabilities{Codecs: engine.DefaultMediaCodecs()[:1]}
	require.NoError(t, h.o.Consume(context.Background(), b, opusOnly))

	got := lastConsumed(t, bConn)
	assert.True(t, got.Get("audio").Exists())
	assert.False(t, got.Get("video").Exists())
}

func TestConsume_Preconditions(t *testing.T) {
	h := newHarness(t)
	a, _ := h.withTransport(t, "A", "audio+video")
	b, _ := h.register(t, "B", "audio")

	assert.ErrorIs(t, h.o.Consume(context.Background(), a, clientCaps()), core.ErrReceiverOnly)
	assert.ErrorIs(t, h.o.Consume(context.Background(), b, clientCaps()), core.ErrNoTransport)
}

func TestConsume_EngineFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	a, _ := h.withTransport(t, "A", "audio+video")
	h.produceBoth(t, a)
	b, bConn := h.withTransport(t, "B", "audio+video")
	fakeTransport(t, b).SetErrors(nil, nil, errors.New("consume refused"))

	err := h.o.Consume(context.Background(), b, clientCaps())
	require.Error(t, err)
	assert.Equal(t, core.KindEngine, core.KindOf(err))
	assert.Empty(t, b.Consumers())
	assert.Empty(t, bConn.OfType(protocol.TypeConsumed))
}

func TestTeardown_ConcurrentCallsRunOnce(t *testing.T) {
	h := newHarness(t)
	a, _ := h.withTransport(t, "A", "audio+video")
	h.produceBoth(t, a)
	_, bConn := h.register(t, "B", "audio")
	audio := fakeProducer(t, a, domain.KindAudio)
	tr := fakeTransport(t, a)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.o.Teardown(a, "race")
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, audio.Closes.Load())
	assert.EqualValues(t, 1, tr.Closes.Load())
	assert.Len(t, bConn.OfType(protocol.TypeProducerClosed), 1)
}

func TestTeardown_ReceiverWithoutResources(t *testing.T) {
	h := newHarness(t)
	b, conn := h.register(t, "B", "audio")
	_, aConn := h.register(t, "A", "audio")

	h.o.Teardown(b, "connection closed")

	assert.True(t, conn.Closed())
	_, err := h.reg.Get("B")
	assert.Error(t, err)
	assert.Empty(t, aConn.OfType(protocol.TypeProducerClosed))
}

func TestLeave_RepliesThenTearsDown(t *testing.T) {
	h := newHarness(t)
	b, conn := h.withTransport(t, "B", "audio")

	h.o.Leave(b)

	assert.Len(t, conn.OfType(protocol.TypeLeft), 1)
	assert.True(t, conn.Closed())
	assert.True(t, b.Closed())

	err := h.o.CreateTransport(context.Background(), b)
	assert.ErrorIs(t, err, core.ErrSessionClosed)
}

func TestOnEngineFatal_TearsDownEverything(t *testing.T) {
	h := newHarness(t)
	_, aConn := h.withTransport(t, "A", "audio")
	_, bConn := h.withTransport(t, "B", "audio")

	h.o.OnEngineFatal(core.ErrEngineDied)

	assert.Empty(t, h.reg.All())
	for _, conn := range []*coretest.Conn{aConn, bConn} {
		errs := conn.OfType(protocol.TypeError)
		require.NotEmpty(t, errs)
		assert.Equal(t, "fatal", gjson.GetBytes(errs[0], "code").String())
		assert.True(t, conn.Closed())
	}
}

func TestBackpressure_RelayDropsReplyKicks(t *testing.T) {
	h := newHarness(t)
	a, _ := h.register(t, "A", "audio+video")
	b, bConn := h.register(t, "B", "audio")
	bConn.SetFull(true)

	require.NoError(t, h.o.RelayOffer(context.Background(), a, []byte(`{"type":"offer","offer":{"sdp":"v=0"}}`), protocol.OfferRequest{}))
	assert.False(t, bConn.Closed())

	require.NoError(t, h.o.ChangeMediaType(b, "video"))
	assert.True(t, bConn.Closed())
}
