package orch_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/app/orch"
	"github.com/dkeye/Relay/internal/core/coretest"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/engine"
	"github.com/dkeye/Relay/internal/engine/enginemock"
	"github.com/dkeye/Relay/internal/protocol"
)

type staticRouter struct{ r engine.Router }

func (s staticRouter) AcquireRouter(context.Context) (engine.Router, error) { return s.r, nil }

func TestConnectTransport_ConcurrentCallsConnectOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	router := enginemock.NewMockRouter(ctrl)
	transport := enginemock.NewMockTransport(ctrl)

	router.EXPECT().CreateTransport(gomock.Any()).Return(transport, nil).Times(1)
	transport.EXPECT().ID().Return("t-1").AnyTimes()
	transport.EXPECT().Params().Return(engine.TransportParams{ID: "t-1"}).AnyTimes()
	transport.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(nil).Times(1)
	transport.EXPECT().Close().Return(nil).Times(1)

	roster, err := domain.NewRoster("A", []string{"B"})
	require.NoError(t, err)
	o := orch.New(app.NewRegistry(), staticRouter{r: router}, roster)

	conn := coretest.NewConn()
	sess, err := o.Register(conn, "B", nil)
	require.NoError(t, err)
	require.NoError(t, o.CreateTransport(context.Background(), sess))

	req := protocol.ConnectTransportRequest{DtlsParameters: &engine.DtlsParameters{Role: "client"}}
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, o.ConnectTransport(context.Background(), sess, req))
		}()
	}
	wg.Wait()

	assert.Len(t, conn.OfType(protocol.TypeTransportConnected), 1)
	assert.Len(t, conn.OfType(protocol.TypeTransportAlreadyConnected), 7)

	o.Teardown(sess, "test done")
}

func TestConsume_SkipsIncompatibleWithoutEngineCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	router := enginemock.NewMockRouter(ctrl)
	senderT := enginemock.NewMockTransport(ctrl)
	recvT := enginemock.NewMockTransport(ctrl)
	producer := enginemock.NewMockProducer(ctrl)

	gomock.InOrder(
		router.EXPECT().CreateTransport(gomock.Any()).Return(senderT, nil),
		router.EXPECT().CreateTransport(gomock.Any()).Return(recvT, nil),
	)
	for id, tr := range map[string]*enginemock.MockTransport{"ta": senderT, "tb": recvT} {
		tr.EXPECT().ID().Return(id).AnyTimes()
		tr.EXPECT().Params().Return(engine.TransportParams{ID: id}).AnyTimes()
	}
	senderT.EXPECT().Produce(gomock.Any(), gomock.Any()).Return(producer, nil)
	producer.EXPECT().ID().Return("p-audio").AnyTimes()
	router.EXPECT().CanConsume(producer, gomock.Any()).Return(false)
	recvT.EXPECT().Consume(gomock.Any(), gomock.Any()).Times(0)

	roster, err := domain.NewRoster("A", []string{"B"})
	require.NoError(t, err)
	o := orch.New(app.NewRegistry(), staticRouter{r: router}, roster)

	a, err := o.Register(coretest.NewConn(), "A", nil)
	require.NoError(t, err)
	require.NoError(t, o.CreateTransport(context.Background(), a))
	require.NoError(t, o.Produce(context.Background(), a, domain.KindAudio, opus()))

	bConn := coretest.NewConn()
	b, err := o.Register(bConn, "B", nil)
	require.NoError(t, err)
	require.NoError(t, o.CreateTransport(context.Background(), b))
	require.NoError(t, o.Consume(context.Background(), b, clientCaps()))

	got := lastConsumed(t, bConn)
	assert.False(t, got.Get("audio").Exists())
	assert.False(t, got.Get("video").Exists())
	assert.Empty(t, b.Consumers())
}

func TestTeardown_FailingClosesDoNotBlockRelease(t *testing.T) {
	ctrl := gomock.NewController(t)
	router := enginemock.NewMockRouter(ctrl)
	senderT := enginemock.NewMockTransport(ctrl)
	recvT := enginemock.NewMockTransport(ctrl)
	audioP := enginemock.NewMockProducer(ctrl)
	videoP := enginemock.NewMockProducer(ctrl)
	consumer := enginemock.NewMockConsumer(ctrl)

	gomock.InOrder(
		router.EXPECT().CreateTransport(gomock.Any()).Return(senderT, nil),
		router.EXPECT().CreateTransport(gomock.Any()).Return(recvT, nil),
	)
	for id, tr := range map[string]*enginemock.MockTransport{"ta": senderT, "tb": recvT} {
		tr.EXPECT().ID().Return(id).AnyTimes()
		tr.EXPECT().Params().Return(engine.TransportParams{ID: id}).AnyTimes()
	}
	gomock.InOrder(
		senderT.EXPECT().Produce(gomock.Any(), gomock.Any()).Return(audioP, nil),
		senderT.EXPECT().Produce(gomock.Any(), gomock.Any()).Return(videoP, nil),
	)
	audioP.EXPECT().ID().Return("p-audio").AnyTimes()
	videoP.EXPECT().ID().Return("p-video").AnyTimes()
	router.EXPECT().CanConsume(audioP, gomock.Any()).Return(true)
	recvT.EXPECT().Consume(gomock.Any(), gomock.Any()).Return(consumer, nil)
	consumer.EXPECT().ID().Return("c-audio").AnyTimes()
	consumer.EXPECT().ProducerID().Return("p-audio").AnyTimes()
	consumer.EXPECT().Params().Return(engine.ConsumerParams{ID: "c-audio", ProducerID: "p-audio", Kind: domain.KindAudio}).AnyTimes()

	// Every sender-side close misbehaves; the rest must still be released.
	audioP.EXPECT().Close().Return(assert.AnError).Times(1)
	videoP.EXPECT().Close().DoAndReturn(func() error { panic("video close") }).Times(1)
	consumer.EXPECT().Close().DoAndReturn(func() error { panic("consumer close") }).Times(1)
	senderT.EXPECT().Close().Return(nil).Times(1)

	roster, err := domain.NewRoster("A", []string{"B"})
	require.NoError(t, err)
	reg := app.NewRegistry()
	o := orch.New(reg, staticRouter{r: router}, roster)

	aConn := coretest.NewConn()
	a, err := o.Register(aConn, "A", nil)
	require.NoError(t, err)
	require.NoError(t, o.CreateTransport(context.Background(), a))
	require.NoError(t, o.Produce(context.Background(), a, domain.KindAudio, opus()))
	require.NoError(t, o.Produce(context.Background(), a, domain.KindVideo, vp8()))

	audioOnly := domain.SelectionOf(domain.KindAudio)
	bConn := coretest.NewConn()
	b, err := o.Register(bConn, "B", &audioOnly)
	require.NoError(t, err)
	require.NoError(t, o.CreateTransport(context.Background(), b))
	require.NoError(t, o.Consume(context.Background(), b, clientCaps()))
	require.Len(t, b.Consumers(), 1)

	o.Teardown(a, "test done")

	select {
	case <-a.Done():
	default:
		t.Fatal("teardown did not finish")
	}
	_, err = reg.Get("A")
	assert.Error(t, err)
	assert.Empty(t, a.Producers())
	_, hasTransport := a.Transport()
	assert.False(t, hasTransport)
	assert.Empty(t, b.Consumers())
	assert.Len(t, bConn.OfType(protocol.TypeProducerClosed), 1)
	assert.True(t, aConn.Closed())
}
