package engine

import (
	"strings"

	"github.com/dkeye/Relay/internal/domain"
)

// DefaultMediaCodecs is the router codec table: opus, VP8 and baseline H264.
func DefaultMediaCodecs() []RtpCodecCapability {
	videoFeedback := []RtcpFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
	}
	return []RtpCodecCapability{
		{
			Kind:                 domain.KindAudio,
			MimeType:             "audio/opus",
			PreferredPayloadType: 100,
			ClockRate:            48000,
			Channels:             2,
		},
		{
			Kind:                 domain.KindVideo,
			MimeType:             "video/VP8",
			PreferredPayloadType: 101,
			ClockRate:            90000,
			RtcpFeedback:         videoFeedback,
		},
		{
			Kind:                 domain.KindVideo,
			MimeType:             "video/H264",
			PreferredPayloadType: 102,
			ClockRate:            90000,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": 1,
			},
			RtcpFeedback: videoFeedback,
		},
	}
}

// MatchCodec finds the capability in caps compatible with codec (same mime
// type, case-insensitive, and clock rate).
func MatchCodec(caps []RtpCodecCapability, mimeType string, clockRate uint32) (RtpCodecCapability, bool) {
	for _, c := range caps {
		if strings.EqualFold(c.MimeType, mimeType) && c.ClockRate == clockRate {
			return c, true
		}
	}
	return RtpCodecCapability{}, false
}
