// Package codec translates between legacy overlay lines and broker messages.
//
// Decoding is total: every line maps to some message, unknown commands
// included. Encoding is partial: only the topics the overlay server has a
// command for are representable.
package codec

import (
	"strconv"
	"strings"
	"time"

	"github.com/overlaybridge/overlay-bridge/internal/broker"
)

// Event is one line received from the overlay server on the events
// connection, split into its parts.
type Event struct {
	// Source is the tag of the connection that caused the event.
	Source string

	// Command is lower-cased.
	Command string

	// Argument is the unparsed remainder of the line.
	Argument string
}

// ParseEvent splits a raw event line into source, command and argument.
func ParseEvent(line string) Event {
	t := NewTokenizer(line)
	return Event{
		Source:   t.Next(),
		Command:  strings.ToLower(t.Next()),
		Argument: t.Rest(),
	}
}

// Decode maps an overlay event to a broker message. now supplies the wall
// clock for timestamps. The returned message always carries the
// x-overlay-source header.
func Decode(ev Event, now time.Time) broker.Message {
	args := NewTokenizer(ev.Argument)

	var msg broker.Message
	switch ev.Command {
	case "servertime":
		msg = broker.NewMessage(TopicTimeTick, map[string]any{
			"timestamp": formatTimestamp(serverTime(args.Rest(), now)),
		})

	case "showclock":
		verb := args.Rest()
		data := map[string]any{
			"timestamp": formatTimestamp(now),
		}
		if verb == "arm" || verb == "start" {
			data["countdown"] = DefaultCountdown
		}
		msg = broker.NewMessage(namespaceClock+":"+verb, data)

	case "showscores":
		if verb := args.Next(); verb == verbShow {
			msg = broker.NewMessage(TopicScoresShow, map[string]any{"type": args.Rest()})
		} else {
			when := "now"
			if verb == "hidelater" {
				when = "end"
			}
			msg = broker.NewMessage(TopicScoresHide, map[string]any{"when": when})
		}

	case "showimage":
		if name := args.Rest(); name != "" {
			msg = broker.NewMessage(TopicImageShow, map[string]any{"name": name})
		} else {
			msg = broker.NewMessage(TopicImageHide, nil)
		}

	case "showtwitter", "showtime":
		msg = broker.NewMessage(strings.TrimPrefix(ev.Command, "show")+":"+showHide(args.Rest()), nil)

	case "debugmessage":
		msg = broker.NewMessage(TopicDebugMessage, args.Rest())

	case "showmessage":
		if hideNow := args.Next(); hideNow == "True" {
			msg = broker.NewMessage(TopicAnnouncementHide, nil)
		} else {
			// The text is forwarded as received; no unescaping.
			msg = broker.NewMessage(TopicAnnouncementShow, map[string]any{"main": args.Rest()})
		}

	default:
		msg = broker.NewMessage(TopicUnknownCommand, map[string]any{
			"command": ev.Command,
			"args":    args.Rest(),
		})
	}

	msg.SetHeader(broker.HeaderOverlaySource, ev.Source)
	return msg
}

// DecodeLine parses and decodes a raw event line.
func DecodeLine(line string, now time.Time) broker.Message {
	return Decode(ParseEvent(line), now)
}

func showHide(flag string) string {
	if flag == "True" {
		return verbShow
	}
	return verbHide
}

// serverTime places an HH:MM:SS time of day on now's local date. Values out
// of range roll over into adjacent days. Anything unparseable yields now.
func serverTime(s string, now time.Time) time.Time {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return now
	}

	var hms [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return now
		}
		hms[i] = n
	}

	local := now.Local()
	return time.Date(local.Year(), local.Month(), local.Day(),
		hms[0], hms[1], hms[2], local.Nanosecond(), time.Local)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
