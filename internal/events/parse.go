package events

import (
	"regexp"
	"strconv"

	"github.com/castbridge/castbridge/internal/control"
)

// Notification bodies are property sets whose interesting payload is an
// inner LastChange document, itself XML-escaped inside the outer envelope.
// The same pragmatic pattern matching as the topology parser applies.
var (
	transportStateRe = regexp.MustCompile(`<TransportState[^>]*\bval="([^"]*)"`)
	volumeRe         = regexp.MustCompile(`<Volume[^>]*\bchannel="Master"[^>]*\bval="([^"]*)"`)
	muteRe           = regexp.MustCompile(`<Mute[^>]*\bchannel="Master"[^>]*\bval="([^"]*)"`)
)

// decodeNotification turns a raw notification body into zero or more typed
// events. Unrecognized payloads decode to nothing rather than failing.
func decodeNotification(ch Channel, body string) []Event {
	if ch == ChannelTopology {
		// Any push on the topology channel means "re-fetch the groups";
		// the payload details are not worth decoding.
		return []Event{{Type: TypeTopologyChanged}}
	}

	inner, ok := control.ExtractTag(body, "LastChange")
	if !ok {
		return nil
	}
	doc := control.UnescapeXML(inner)

	var out []Event
	switch ch {
	case ChannelTransport:
		if m := transportStateRe.FindStringSubmatch(doc); m != nil {
			out = append(out, Event{Type: TypeTransportState, TransportState: m[1]})
		}
	case ChannelRendering:
		if m := volumeRe.FindStringSubmatch(doc); m != nil {
			if vol, err := strconv.Atoi(m[1]); err == nil {
				out = append(out, Event{Type: TypeVolume, Volume: vol})
			}
		}
		if m := muteRe.FindStringSubmatch(doc); m != nil {
			out = append(out, Event{Type: TypeMute, Mute: m[1] == "1"})
		}
	}
	return out
}
