// Package memory gives the agent durable notes under the workspace:
// a long-term MEMORY.md plus one append-only note file per day.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openwhale/openwhale/pkg/logger"
)

type Store struct {
	dir string
}

// NewStore roots the memory files under workspace/memory.
func NewStore(workspace string) *Store {
	return &Store{dir: filepath.Join(workspace, "memory")}
}

func (s *Store) longTermPath() string {
	return filepath.Join(s.dir, "MEMORY.md")
}

func (s *Store) dailyPath(t time.Time) string {
	return filepath.Join(s.dir, t.Format("2006-01-02")+".md")
}

// ReadLongTerm returns the contents of MEMORY.md, or "" when absent.
func (s *Store) ReadLongTerm() string {
	data, err := os.ReadFile(s.longTermPath())
	if err != nil {
		return ""
	}
	return string(data)
}

// WriteLongTerm replaces MEMORY.md.
func (s *Store) WriteLongTerm(content string) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	if err := os.WriteFile(s.longTermPath(), []byte(content), 0644); err != nil {
		return fmt.Errorf("write long-term memory: %w", err)
	}
	return nil
}

// AppendDailyNote appends a timestamped entry to today's note file.
func (s *Store) AppendDailyNote(entry string) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	path := s.dailyPath(time.Now())
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open daily note: %w", err)
	}
	defer f.Close()
	line := fmt.Sprintf("- %s %s\n", time.Now().Format("15:04"), strings.TrimSpace(entry))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append daily note: %w", err)
	}
	return nil
}

// GetMemoryContext assembles the memory section of the system prompt:
// long-term memory first, then today's notes when present.
func (s *Store) GetMemoryContext() string {
	var parts []string

	if longTerm := strings.TrimSpace(s.ReadLongTerm()); longTerm != "" {
		parts = append(parts, "## Long-term Memory\n\n"+longTerm)
	}

	today := s.dailyPath(time.Now())
	if data, err := os.ReadFile(today); err == nil {
		if notes := strings.TrimSpace(string(data)); notes != "" {
			parts = append(parts, "## Today's Notes\n\n"+notes)
		}
	}

	if len(parts) == 0 {
		return ""
	}
	logger.DebugCF("memory", "Loaded memory context", map[string]any{
		"sections": len(parts),
	})
	return strings.Join(parts, "\n\n")
}
