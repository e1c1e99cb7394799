package usage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStoreAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()

	s := NewStore(tmp)
	err := s.Append(Record{
		Timestamp:        time.Now(),
		SessionKey:       "telegram:dm:1",
		Provider:         "anthropic",
		Model:            "claude-sonnet-4-5",
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		UsageKnown:       true,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	recs := s.Query(Filter{SessionKey: "telegram:dm:1"})
	if len(recs) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(recs))
	}
	if recs[0].TotalTokens != 15 {
		t.Fatalf("total_tokens = %d, want 15", recs[0].TotalTokens)
	}

	if _, err := os.Stat(filepath.Join(tmp, "state", "usage.json")); err != nil {
		t.Fatalf("usage.json missing: %v", err)
	}
}

func TestStorePrunesOldRecords(t *testing.T) {
	s := NewStore(t.TempDir())
	old := time.Now().AddDate(0, 0, -31)
	recent := time.Now().AddDate(0, 0, -1)

	if err := s.Append(Record{Timestamp: old, SessionKey: "s1", UsageKnown: false}); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if err := s.Append(Record{Timestamp: recent, SessionKey: "s1", UsageKnown: false}); err != nil {
		t.Fatalf("append recent: %v", err)
	}

	recs := s.Query(Filter{SessionKey: "s1"})
	if len(recs) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(recs))
	}
}

func TestAggregateRecordsKnownUnknown(t *testing.T) {
	records := []Record{
		{UsageKnown: true, PromptTokens: 100, CompletionTokens: 25, TotalTokens: 125},
		{UsageKnown: false},
		{UsageKnown: true, PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25},
	}
	agg := AggregateRecords(records)
	if agg.Calls != 3 || agg.KnownCalls != 2 || agg.UnknownCalls != 1 {
		t.Fatalf("unexpected counts: %+v", agg)
	}
	if agg.PromptTokens != 120 || agg.CompletionTokens != 30 || agg.TotalTokens != 150 {
		t.Fatalf("unexpected tokens: %+v", agg)
	}
}

func TestDayKeyIsUTC(t *testing.T) {
	s := NewStore("")
	ts := time.Date(2026, 2, 17, 23, 45, 0, 0, time.FixedZone("IST", 5*3600+1800))
	if got, want := s.DayKey(ts), "2026-02-17"; got != want {
		t.Fatalf("day key = %s, want %s", got, want)
	}
}

func TestHumanTokens(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{999, "999"},
		{1000, "1K"},
		{1532, "1.5K"},
		{10_000, "10K"},
		{1_000_000, "1M"},
		{1_550_000, "1.6M"},
	}
	for _, tc := range tests {
		if got := HumanTokens(tc.in); got != tc.want {
			t.Errorf("HumanTokens(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSessionSummary(t *testing.T) {
	s := NewStore("")
	if got := SessionSummary(s, "cli:dm:direct"); got != "No usage recorded for this conversation yet." {
		t.Fatalf("empty summary = %q", got)
	}

	err := s.Append(Record{
		SessionKey:       "cli:dm:direct",
		Provider:         "anthropic",
		Model:            "claude-sonnet-4-5",
		PromptTokens:     1200,
		CompletionTokens: 300,
		UsageKnown:       true,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got := SessionSummary(s, "cli:dm:direct")
	if got == "" || !containsAll(got, "1.5K", "claude-sonnet-4-5", "1 calls") {
		t.Errorf("summary = %q", got)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
