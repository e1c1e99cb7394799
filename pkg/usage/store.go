// Package usage tracks per-completion token consumption so the /usage
// command and operators can see where context budget goes.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Records older than this are pruned on append.
const retention = 30 * 24 * time.Hour

// Record captures one model call.
type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	DayKey           string    `json:"day_key"`
	SessionKey       string    `json:"session_key"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	UsageKnown       bool      `json:"usage_known"`
	Reason           string    `json:"reason,omitempty"`
}

type Filter struct {
	SessionKey string
	DayKey     string
	Provider   string
	Limit      int
}

type Aggregate struct {
	Calls            int
	KnownCalls       int
	UnknownCalls     int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Store struct {
	mu      sync.RWMutex
	records []Record
	path    string
}

// NewStore persists records under workspace/state/usage.json. An empty
// workspace gives an in-memory store.
func NewStore(workspace string) *Store {
	s := &Store{records: make([]Record, 0, 256)}
	if workspace == "" {
		return s
	}
	stateDir := filepath.Join(workspace, "state")
	_ = os.MkdirAll(stateDir, 0755)
	s.path = filepath.Join(stateDir, "usage.json")
	s.load()
	return s
}

// DayKey buckets a timestamp into a UTC calendar day.
func (s *Store) DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Append records one call, pruning anything past retention.
func (s *Store) Append(r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.DayKey == "" {
		r.DayKey = s.DayKey(r.Timestamp)
	}
	if r.TotalTokens == 0 {
		r.TotalTokens = r.PromptTokens + r.CompletionTokens
	}

	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	kept := s.records[:0]
	for _, old := range s.records {
		if old.Timestamp.After(cutoff) {
			kept = append(kept, old)
		}
	}
	s.records = kept
	if r.Timestamp.After(cutoff) {
		s.records = append(s.records, r)
	}
	s.mu.Unlock()

	return s.save()
}

// LastBySession returns the most recent record for a session key.
func (s *Store) LastBySession(sessionKey string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].SessionKey == sessionKey {
			return s.records[i], true
		}
	}
	return Record{}, false
}

func (s *Store) Query(f Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if f.SessionKey != "" && r.SessionKey != f.SessionKey {
			continue
		}
		if f.DayKey != "" && r.DayKey != f.DayKey {
			continue
		}
		if f.Provider != "" && !strings.EqualFold(r.Provider, f.Provider) {
			continue
		}
		out = append(out, r)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func AggregateRecords(records []Record) Aggregate {
	var agg Aggregate
	for _, r := range records {
		agg.Calls++
		if r.UsageKnown {
			agg.KnownCalls++
			agg.PromptTokens += r.PromptTokens
			agg.CompletionTokens += r.CompletionTokens
			agg.TotalTokens += r.TotalTokens
		} else {
			agg.UnknownCalls++
		}
	}
	return agg
}

// ProviderBreakdown aggregates per provider name.
func ProviderBreakdown(records []Record) map[string]Aggregate {
	out := map[string]Aggregate{}
	for _, r := range records {
		p := strings.TrimSpace(r.Provider)
		if p == "" {
			p = "unknown"
		}
		agg := out[p]
		agg.Calls++
		if r.UsageKnown {
			agg.KnownCalls++
			agg.PromptTokens += r.PromptTokens
			agg.CompletionTokens += r.CompletionTokens
			agg.TotalTokens += r.TotalTokens
		} else {
			agg.UnknownCalls++
		}
		out[p] = agg
	}
	return out
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return
	}
	s.records = records
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	snapshot := make([]Record, len(s.records))
	copy(snapshot, s.records)
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal usage records: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write usage temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace usage file: %w", err)
	}
	return nil
}
