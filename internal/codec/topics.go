package codec

// Topics produced and consumed by the codec.
const (
	TopicTimeTick         = "time:tick"
	TopicDebugMessage     = "debug:message"
	TopicUnknownCommand   = "misc:unknown_command"
	TopicScoresShow       = "scores:show"
	TopicScoresHide       = "scores:hide"
	TopicImageShow        = "image:show"
	TopicImageHide        = "image:hide"
	TopicAnnouncementShow = "announcement:show"
	TopicAnnouncementHide = "announcement:hide"
)

const (
	namespaceClock        = "clock"
	namespaceTime         = "time"
	namespaceTwitter      = "twitter"
	namespaceScores       = "scores"
	namespaceAnnouncement = "announcement"
	namespaceImage        = "image"

	verbShow = "show"
	verbHide = "hide"
)

// DefaultCountdown is the match length in seconds announced when the clock
// is armed or started.
const DefaultCountdown = 150

// TimestampLayout is the ISO 8601 UTC layout with milliseconds used for every
// timestamp the codec emits.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// IsNoise reports whether a topic is high-frequency or diagnostic traffic
// that is never forwarded to the broker.
func IsNoise(topic string) bool {
	switch topic {
	case TopicTimeTick, TopicDebugMessage, TopicUnknownCommand:
		return true
	}
	return false
}
