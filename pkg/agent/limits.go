package agent

// TruncationMarker terminates any reply that had to be cut to fit a
// channel's outbound limit.
const TruncationMarker = "... [truncated]"

// Per-channel outbound reply limits in characters. Platforms reject
// messages over their cap, so the processor truncates before sending.
var channelLimits = map[string]int{
	"discord":  2000,
	"twitter":  4000,
	"slack":    4000,
	"telegram": 4096,
	"whatsapp": 65536,
}

const defaultChannelLimit = 8000

// OutboundLimit returns the reply cap for a channel.
func OutboundLimit(channel string) int {
	if limit, ok := channelLimits[channel]; ok {
		return limit
	}
	return defaultChannelLimit
}

// TruncateReply cuts text to at most limit characters. A reply at or
// under the limit is returned unchanged; an over-limit reply comes back
// exactly limit characters long, ending with the truncation marker.
func TruncateReply(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	marker := []rune(TruncationMarker)
	if limit <= len(marker) {
		return string(marker[len(marker)-limit:])
	}
	return string(runes[:limit-len(marker)]) + TruncationMarker
}
