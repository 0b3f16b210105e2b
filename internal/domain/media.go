package domain

import (
	"errors"
	"fmt"
	"strings"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// AllKinds is the fixed iteration order used for replies and teardown.
var AllKinds = [...]MediaKind{KindAudio, KindVideo}

func ParseMediaKind(raw string) (MediaKind, error) {
	switch MediaKind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindAudio:
		return KindAudio, nil
	case KindVideo:
		return KindVideo, nil
	default:
		return "", fmt.Errorf("unknown media kind %q", raw)
	}
}

var ErrSelectionEmpty = errors.New("media selection empty")

// MediaSelection is the set of kinds a client subscribes to.
type MediaSelection struct {
	audio bool
	video bool
}

// ParseMediaSelection is the only parser of the "+"-separated selection form
// ("audio", "video", "audio+video"). Unknown tokens are rejected.
func ParseMediaSelection(raw string) (MediaSelection, error) {
	var sel MediaSelection
	for _, tok := range strings.Split(raw, "+") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		kind, err := ParseMediaKind(tok)
		if err != nil {
			return MediaSelection{}, fmt.Errorf("media selection %q: %w", raw, err)
		}
		switch kind {
		case KindAudio:
			sel.audio = true
		case KindVideo:
			sel.video = true
		}
	}
	if sel.IsEmpty() {
		return MediaSelection{}, ErrSelectionEmpty
	}
	return sel, nil
}

func SelectionOf(kinds ...MediaKind) MediaSelection {
	var sel MediaSelection
	for _, k := range kinds {
		switch k {
		case KindAudio:
			sel.audio = true
		case KindVideo:
			sel.video = true
		}
	}
	return sel
}

func (s MediaSelection) Includes(kind MediaKind) bool {
	switch kind {
	case KindAudio:
		return s.audio
	case KindVideo:
		return s.video
	default:
		return false
	}
}

func (s MediaSelection) IsEmpty() bool { return !s.audio && !s.video }

// Kinds lists included kinds in AllKinds order.
func (s MediaSelection) Kinds() []MediaKind {
	out := make([]MediaKind, 0, len(AllKinds))
	for _, k := range AllKinds {
		if s.Includes(k) {
			out = append(out, k)
		}
	}
	return out
}

// String renders the canonical form, e.g. "audio+video".
func (s MediaSelection) String() string {
	kinds := s.Kinds()
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, "+")
}
