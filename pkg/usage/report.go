package usage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SessionSummary renders the /usage reply for one session: the latest
// call, today's totals, and a per-provider breakdown for the day.
func SessionSummary(s *Store, sessionKey string) string {
	last, ok := s.LastBySession(sessionKey)
	if !ok {
		return "No usage recorded for this conversation yet."
	}

	today := s.DayKey(time.Now())
	todayRecords := s.Query(Filter{DayKey: today})
	agg := AggregateRecords(todayRecords)

	var sb strings.Builder
	sb.WriteString("Last call: ")
	if last.UsageKnown {
		fmt.Fprintf(&sb, "%s tokens (%s in / %s out) on %s\n",
			HumanTokens(last.TotalTokens),
			HumanTokens(last.PromptTokens),
			HumanTokens(last.CompletionTokens),
			last.Model)
	} else {
		fmt.Fprintf(&sb, "token count unavailable (%s)\n", last.Model)
	}

	fmt.Fprintf(&sb, "Today: %d calls, %s tokens", agg.Calls, HumanTokens(agg.TotalTokens))
	if agg.UnknownCalls > 0 {
		fmt.Fprintf(&sb, " (%d calls unreported)", agg.UnknownCalls)
	}
	sb.WriteString("\n")

	breakdown := ProviderBreakdown(todayRecords)
	if len(breakdown) > 1 {
		sb.WriteString("By provider:\n")
		for name, a := range breakdown {
			fmt.Fprintf(&sb, "- %s: %d calls, %s tokens\n", name, a.Calls, HumanTokens(a.TotalTokens))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// HumanTokens formats token counts with K/M suffixes for quick scanning.
func HumanTokens(n int) string {
	if n >= 1_000_000 {
		return formatScaled(float64(n)/1_000_000, "M")
	}
	if n >= 1_000 {
		return formatScaled(float64(n)/1_000, "K")
	}
	return strconv.Itoa(n)
}

func formatScaled(value float64, suffix string) string {
	s := fmt.Sprintf("%.1f", value)
	s = strings.TrimSuffix(s, ".0")
	return s + suffix
}
