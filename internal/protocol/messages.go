// Package protocol defines the signaling wire format: message type names,
// inbound request payloads and outbound replies.
package protocol

import (
	"encoding/json"

	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/engine"
)

const (
	TypeRouterRtpCapabilities     = "routerRtpCapabilities"
	TypeRegistered                = "registered"
	TypeCreateTransport           = "create-transport"
	TypeTransportCreated          = "transport-created"
	TypeConnectTransport          = "connect-transport"
	TypeTransportConnected        = "transport-connected"
	TypeTransportAlreadyConnected = "transport-already-connected"
	TypeProduce                   = "produce"
	TypeProduced                  = "produced"
	TypeProducersCreated          = "producers-created"
	TypeConsume                   = "consume"
	TypeConsumed                  = "consumed"
	TypeConsumerCreated           = "consumer-created"
	TypeOffer                     = "offer"
	TypeAnswer                    = "answer"
	TypeICECandidate              = "ice-candidate"
	TypeMediaTypeChange           = "mediaTypeChange"
	TypeMediaTypeUpdated          = "mediaType-updated"
	TypeProducerClosed            = "producer-closed"
	TypeLeave                     = "leave"
	TypeLeft                      = "left"
	TypePing                      = "ping"
	TypePong                      = "pong"
	TypeError                     = "error"
)

// Inbound payloads. Validation tags are checked by the signal adapter.

type ConnectTransportRequest struct {
	DtlsParameters *engine.DtlsParameters `json:"dtlsParameters" validate:"required"`
	IceParameters  *engine.IceParameters  `json:"iceParameters,omitempty"`
}

type ProduceRequest struct {
	Kind          string                `json:"kind" validate:"required,oneof=audio video"`
	RtpParameters *engine.RtpParameters `json:"rtpParameters" validate:"required"`
}

type ConsumeRequest struct {
	RtpCapabilities *engine.RtpCapabilities `json:"rtpCapabilities" validate:"required"`
}

type OfferTracks struct {
	Audio *engine.RtpParameters `json:"audio,omitempty"`
	Video *engine.RtpParameters `json:"video,omitempty"`
}

type OfferRequest struct {
	Offer       json.RawMessage `json:"offer" validate:"required"`
	OfferTracks *OfferTracks    `json:"offerTracks,omitempty"`
}

type AnswerRequest struct {
	Answer          json.RawMessage         `json:"answer" validate:"required"`
	RtpCapabilities *engine.RtpCapabilities `json:"rtpCapabilities,omitempty"`
}

// ICECandidateRequest names the target seat in From.
type ICECandidateRequest struct {
	Candidate json.RawMessage `json:"candidate" validate:"required"`
	From      string          `json:"from"`
}

type MediaTypeChangeRequest struct {
	MediaType string `json:"mediaType" validate:"required"`
}

// Outbound replies.

type Message struct {
	Type string `json:"type"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type RouterCapabilities struct {
	Type            string                 `json:"type"`
	RtpCapabilities engine.RtpCapabilities `json:"rtpCapabilities"`
}

type Registered struct {
	Type      string `json:"type"`
	Client    string `json:"client"`
	Role      string `json:"role"`
	MediaType string `json:"mediaType"`
}

type TransportCreated struct {
	Type   string                 `json:"type"`
	Params engine.TransportParams `json:"params"`
}

type Produced struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type ProducersCreated struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
	Video string `json:"video,omitempty"`
}

// Consumed omits a kind entirely when no consumer was created for it.
type Consumed struct {
	Type  string                 `json:"type"`
	Audio *engine.ConsumerParams `json:"audio,omitempty"`
	Video *engine.ConsumerParams `json:"video,omitempty"`
}

type ConsumerCreated struct {
	Type string `json:"type"`
	engine.ConsumerParams
}

type ICECandidate struct {
	Type      string          `json:"type"`
	Candidate json.RawMessage `json:"candidate"`
	From      string          `json:"from"`
}

type MediaTypeUpdated struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType"`
}

type ProducerClosed struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// Encode marshals v into a frame.
func Encode(v any) (core.Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}

// ErrorFrame renders err as an error reply with its wire code.
func ErrorFrame(err error) core.Frame {
	f, _ := Encode(ErrorMessage{Type: TypeError, Message: err.Error(), Code: string(core.KindOf(err))})
	return f
}
