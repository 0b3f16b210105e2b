// Package engine is the boundary to the media engine: a process-wide worker,
// the router that mediates codec capabilities, and the transport, producer and
// consumer handles created through it. The Gateway owns the lazily created
// singleton router.
package engine

//go:generate mockgen -destination=enginemock/engine.go -package=enginemock github.com/dkeye/Relay/internal/engine Router,Transport,Producer,Consumer

import (
	"context"

	"github.com/dkeye/Relay/internal/domain"
)

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 domain.MediaKind `json:"kind"`
	MimeType             string           `json:"mimeType"`
	PreferredPayloadType uint8            `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32           `json:"clockRate"`
	Channels             uint16           `json:"channels,omitempty"`
	Parameters           map[string]any   `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback   `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind        domain.MediaKind `json:"kind"`
	URI         string           `json:"uri"`
	PreferredID int              `json:"preferredId"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpEncodingParameters struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
}

type RtcpParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

type RtpParameters struct {
	MID       string                  `json:"mid,omitempty"`
	Codecs    []RtpCodecParameters    `json:"codecs"`
	Encodings []RtpEncodingParameters `json:"encodings,omitempty"`
	Rtcp      *RtcpParameters         `json:"rtcp,omitempty"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// TransportParams is what a client needs to build its side of a transport.
type TransportParams struct {
	ID             string         `json:"id"`
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

type ConnectOptions struct {
	DtlsParameters DtlsParameters
	// IceParameters are the remote credentials; engines running ICE-lite may ignore them.
	IceParameters *IceParameters
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RtpParameters RtpParameters
}

type ConsumeOptions struct {
	Producer        Producer
	RtpCapabilities RtpCapabilities
	Paused          bool
}

// ConsumerParams is the reply payload describing one consumer.
type ConsumerParams struct {
	ID            string           `json:"id"`
	Kind          domain.MediaKind `json:"kind"`
	RtpParameters RtpParameters    `json:"rtpParameters"`
	ProducerID    string           `json:"producerId"`
}

// Worker is the process-wide engine resource routers are created on.
type Worker interface {
	CreateRouter(ctx context.Context, codecs []RtpCodecCapability) (Router, error)
	// Died is closed (after delivering the cause) when the worker is no longer usable.
	Died() <-chan error
	Close() error
}

// WorkerFactory starts a new worker.
type WorkerFactory func(ctx context.Context) (Worker, error)

type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	CanConsume(producer Producer, caps RtpCapabilities) bool
	CreateTransport(ctx context.Context) (Transport, error)
	Close() error
}

type Transport interface {
	ID() string
	Params() TransportParams
	Connect(ctx context.Context, opts ConnectOptions) error
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Close() error
}

type Producer interface {
	ID() string
	Kind() domain.MediaKind
	RtpParameters() RtpParameters
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	Params() ConsumerParams
	Close() error
}
