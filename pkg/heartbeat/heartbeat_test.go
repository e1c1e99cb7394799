package heartbeat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openwhale/openwhale/pkg/config"
)

func TestLoadPromptMissingFile(t *testing.T) {
	s := NewService(config.HeartbeatConfig{}, t.TempDir(), nil, nil)
	if _, ok := s.loadPrompt(); ok {
		t.Fatal("prompt reported present with no file")
	}
}

func TestLoadPromptEmptyFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, PromptFile), []byte("  \n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := NewService(config.HeartbeatConfig{}, dir, nil, nil)
	if _, ok := s.loadPrompt(); ok {
		t.Fatal("blank prompt should be skipped")
	}
}

func TestLoadPromptWrapsInstructions(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, PromptFile), []byte("Check the calendar."), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := NewService(config.HeartbeatConfig{}, dir, nil, nil)
	prompt, ok := s.loadPrompt()
	if !ok {
		t.Fatal("prompt missing")
	}
	if !strings.Contains(prompt, "Check the calendar.") {
		t.Fatalf("instructions lost: %q", prompt)
	}
	if !strings.Contains(prompt, "HEARTBEAT_OK") {
		t.Fatalf("quiet-reply convention missing: %q", prompt)
	}
}

func TestCronValidation(t *testing.T) {
	s := NewService(config.HeartbeatConfig{}, t.TempDir(), nil, nil)
	if !s.cron.IsValid("*/30 * * * *") {
		t.Fatal("default schedule rejected")
	}
	if s.cron.IsValid("not a cron") {
		t.Fatal("garbage schedule accepted")
	}
}
