package codec

import (
	"strings"

	"github.com/overlaybridge/overlay-bridge/internal/broker"
)

// EscapeFunc encodes free text for embedding in a single command line.
type EscapeFunc func(string) string

// Encode maps a broker message to an overlay command line. ok is false when
// the overlay server has no command for the message.
func Encode(msg broker.Message, escape EscapeFunc) (line string, ok bool) {
	namespace, verb := broker.SplitTopic(msg.Topic)

	switch namespace {
	case namespaceClock:
		switch verb {
		case "arm", "start", "stop":
			return verb + "clock", true
		}

	case namespaceTime, namespaceTwitter:
		if verb == verbShow || verb == verbHide {
			return verb + namespace, true
		}

	case namespaceAnnouncement:
		if verb != verbShow {
			break
		}
		if main, found := stringField(msg.Data, "main"); found {
			if escape != nil {
				main = escape(main)
			}
			return "directmsg " + main, true
		}

	case namespaceImage:
		switch verb {
		case verbShow:
			name, _ := stringField(msg.Data, "name")
			if name == "" {
				return "hideimage", true
			}
			if strings.ContainsAny(name, "\r\n") {
				return "", false
			}
			return "showimage " + name, true
		case verbHide:
			return "hideimage", true
		}
	}

	return "", false
}

// stringField returns data[key] when data is an object and the field is a
// string.
func stringField(data any, key string) (string, bool) {
	switch d := data.(type) {
	case map[string]any:
		s, ok := d[key].(string)
		return s, ok
	case map[string]string:
		s, ok := d[key]
		return s, ok
	}
	return "", false
}
