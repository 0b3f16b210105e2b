package pionengine

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/engine"
	"github.com/dkeye/Relay/internal/engine/sfu"
)

// Producer receives one inbound stream and feeds a relay. The pion receiver
// can only bind its SRTP stream once DTLS is up, so reading waits for that.
type Producer struct {
	id        string
	kind      domain.MediaKind
	params    engine.RtpParameters
	transport *Transport
	receiver  *webrtc.RTPReceiver

	ready     chan struct{}
	track     *webrtc.TrackRemote
	closed    chan struct{}
	closeOnce sync.Once
}

func newProducer(t *Transport, opts engine.ProduceOptions) (*Producer, error) {
	params := opts.RtpParameters
	if len(params.Codecs) == 0 {
		return nil, core.ErrEmptyCodecs
	}
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return nil, errors.New("produce: encoding ssrc required")
	}
	codec := params.Codecs[0]
	if _, ok := engine.MatchCodec(t.router.codecs, codec.MimeType, codec.ClockRate); !ok {
		return nil, fmt.Errorf("produce: unsupported codec %s/%d", codec.MimeType, codec.ClockRate)
	}

	receiver, err := t.router.api.NewRTPReceiver(codecType(opts.Kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	p := &Producer{
		id:        uuid.NewString(),
		kind:      opts.Kind,
		params:    params,
		transport: t,
		receiver:  receiver,
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
	}
	go p.receive()
	t.router.worker.relays.StartRelay(t.router.worker.runCtx, p.id, p)
	return p, nil
}

func (p *Producer) receive() {
	select {
	case <-p.transport.connected:
	case <-p.closed:
		return
	}
	codec := p.params.Codecs[0]
	enc := p.params.Encodings[0]
	err := p.receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				RID:         enc.RID,
				SSRC:        webrtc.SSRC(enc.SSRC),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	})
	if err != nil {
		p.transport.logger.Warn().Err(err).Str("producer", p.id).Msg("rtp receive failed")
		_ = p.Close()
		return
	}
	p.receiver.SetRTPParameters(webrtc.RTPParameters{
		Codecs: []webrtc.RTPCodecParameters{codecParameters(codec)},
	})
	p.track = p.receiver.Track()
	close(p.ready)
}

// ReadRTP makes the producer the relay's packet source.
func (p *Producer) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case <-p.ready:
	case <-p.closed:
		return nil, nil, io.EOF
	}
	return p.track.ReadRTP()
}

func (p *Producer) ID() string                          { return p.id }
func (p *Producer) Kind() domain.MediaKind              { return p.kind }
func (p *Producer) RtpParameters() engine.RtpParameters { return p.params }

func (p *Producer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		p.transport.forget(p.id)
		p.transport.router.worker.relays.StopRelay(p.id)
		err = p.receiver.Stop()
	})
	return err
}

// Consumer forwards a producer's packets to a local static track bound to
// an RTP sender on the consuming transport.
type Consumer struct {
	id         string
	producerID string
	kind       domain.MediaKind
	params     engine.RtpParameters
	transport  *Transport
	sender     *webrtc.RTPSender
	closeOnce  sync.Once
}

func newConsumer(t *Transport, p *Producer, caps engine.RtpCapabilities, paused bool) (*Consumer, error) {
	src := p.params.Codecs[0]
	routerCodec, ok := engine.MatchCodec(t.router.codecs, src.MimeType, src.ClockRate)
	if !ok {
		return nil, fmt.Errorf("consume: router lacks %s", src.MimeType)
	}
	if _, ok := engine.MatchCodec(caps.Codecs, src.MimeType, src.ClockRate); !ok {
		return nil, fmt.Errorf("consume: client cannot receive %s", src.MimeType)
	}

	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(capabilityOf(routerCodec), id, p.id)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtp send: %w", err)
	}

	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, readErr := sender.Read(rtcpBuf); readErr != nil {
				return
			}
		}
	}()

	relays := t.router.worker.relays
	if !relays.AddSubscriber(p.id, id, track, paused) {
		_ = sender.Stop()
		return nil, fmt.Errorf("consume: producer %s has no relay", p.id)
	}

	params := engine.RtpParameters{Codecs: []engine.RtpCodecParameters{consumerCodec(routerCodec)}}
	if len(sendParams.Encodings) > 0 {
		params.Encodings = []engine.RtpEncodingParameters{{SSRC: uint32(sendParams.Encodings[0].SSRC)}}
	}
	return &Consumer{
		id:         id,
		producerID: p.id,
		kind:       p.kind,
		params:     params,
		transport:  t,
		sender:     sender,
	}, nil
}

func (c *Consumer) ID() string             { return c.id }
func (c *Consumer) ProducerID() string     { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind { return c.kind }

func (c *Consumer) Params() engine.ConsumerParams {
	return engine.ConsumerParams{ID: c.id, Kind: c.kind, RtpParameters: c.params, ProducerID: c.producerID}
}

func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.transport.forget(c.id)
		c.transport.router.worker.relays.MarkSubscriberDelete(c.producerID, c.id)
		err = c.sender.Stop()
	})
	return err
}

var (
	_ engine.Producer  = (*Producer)(nil)
	_ engine.Consumer  = (*Consumer)(nil)
	_ sfu.PacketSource = (*Producer)(nil)
)
