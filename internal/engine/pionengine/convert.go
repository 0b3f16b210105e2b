package pionengine

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/engine"
)

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// fmtpLine renders codec parameters in SDP fmtp form, keys sorted.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	parts := make([]string, 0, len(params))
	for _, k := range slices.Sorted(maps.Keys(params)) {
		parts = append(parts, k+"="+fmtpValue(params[k]))
	}
	return strings.Join(parts, ";")
}

func fmtpValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func feedback(fb []engine.RtcpFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func capabilityOf(c engine.RtpCodecCapability) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: feedback(c.RtcpFeedback),
	}
}

func codecParameters(c engine.RtpCodecParameters) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: feedback(c.RtcpFeedback),
		},
		PayloadType: webrtc.PayloadType(c.PayloadType),
	}
}

// consumerCodec is the router codec as the consumer will send it.
func consumerCodec(c engine.RtpCodecCapability) engine.RtpCodecParameters {
	return engine.RtpCodecParameters{
		MimeType:     c.MimeType,
		PayloadType:  c.PreferredPayloadType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		Parameters:   c.Parameters,
		RtcpFeedback: c.RtcpFeedback,
	}
}

func iceCandidate(c webrtc.ICECandidate) engine.IceCandidate {
	return engine.IceCandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		Address:    c.Address,
		Protocol:   c.Protocol.String(),
		Port:       c.Port,
		Type:       c.Typ.String(),
		TCPType:    c.TCPType,
	}
}

func dtlsRole(role string) webrtc.DTLSRole {
	switch strings.ToLower(role) {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}

func remoteDTLS(p engine.DtlsParameters) webrtc.DTLSParameters {
	fps := make([]webrtc.DTLSFingerprint, 0, len(p.Fingerprints))
	for _, fp := range p.Fingerprints {
		fps = append(fps, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return webrtc.DTLSParameters{Role: dtlsRole(p.Role), Fingerprints: fps}
}

func localDTLS(p webrtc.DTLSParameters) engine.DtlsParameters {
	fps := make([]engine.DtlsFingerprint, 0, len(p.Fingerprints))
	for _, fp := range p.Fingerprints {
		fps = append(fps, engine.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return engine.DtlsParameters{Role: "auto", Fingerprints: fps}
}
