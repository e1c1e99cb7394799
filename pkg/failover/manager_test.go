package failover

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/openwhale/openwhale/pkg/providers"
)

// flakyProvider fails until healthyAfter calls have happened.
type flakyProvider struct {
	calls        int
	healthyAfter int
}

func (p *flakyProvider) Chat(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	p.calls++
	if p.calls <= p.healthyAfter {
		return nil, fmt.Errorf("backend down")
	}
	return &providers.LLMResponse{Content: "pong"}, nil
}

func (p *flakyProvider) ChatStream(ctx context.Context, messages []providers.Message, defs []providers.ToolDefinition, model string, options map[string]interface{}, handler providers.StreamHandler) (*providers.LLMResponse, error) {
	return p.Chat(ctx, messages, defs, model, options)
}

func (p *flakyProvider) GetDefaultModel() string { return "claude-primary" }

func newTestManager(t *testing.T, provider providers.LLMProvider, workspace string) (*Manager, *providers.Registry) {
	t.Helper()
	reg := providers.NewRegistry("claude-primary")
	reg.RegisterProvider("anthropic", provider)
	m := NewManager(reg, "claude-primary", []string{"claude-backup", "claude-last"}, workspace)
	return m, reg
}

func TestSwitchAfterThreshold(t *testing.T) {
	m, reg := newTestManager(t, &flakyProvider{healthyAfter: 100}, "")

	err := fmt.Errorf("boom")
	for i := 0; i < defaultThreshold-1; i++ {
		if to, switched := m.ReportFailure("claude-primary", err); switched {
			t.Fatalf("switched too early to %s after %d failures", to, i+1)
		}
	}
	to, switched := m.ReportFailure("claude-primary", err)
	if !switched || to != "claude-backup" {
		t.Fatalf("switched=%v to=%q", switched, to)
	}
	if m.Mode() != ModeDegraded {
		t.Fatalf("mode = %s", m.Mode())
	}
	if reg.CurrentModel() != "claude-backup" {
		t.Fatalf("registry model = %s", reg.CurrentModel())
	}
}

func TestFailuresOnStaleModelIgnored(t *testing.T) {
	m, _ := newTestManager(t, &flakyProvider{healthyAfter: 100}, "")
	for i := 0; i < 10; i++ {
		if _, switched := m.ReportFailure("some-other-model", fmt.Errorf("x")); switched {
			t.Fatal("switched on failures of an inactive model")
		}
	}
	if m.Mode() != ModeNormal {
		t.Fatalf("mode = %s", m.Mode())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	m, _ := newTestManager(t, &flakyProvider{healthyAfter: 100}, "")
	err := fmt.Errorf("boom")

	m.ReportFailure("claude-primary", err)
	m.ReportFailure("claude-primary", err)
	m.ReportSuccess("claude-primary")
	// The count restarted, so the next two failures stay under the
	// threshold.
	m.ReportFailure("claude-primary", err)
	if _, switched := m.ReportFailure("claude-primary", err); switched {
		t.Fatal("switched despite an intervening success")
	}
}

func TestChainExhaustionStaysPut(t *testing.T) {
	m, _ := newTestManager(t, &flakyProvider{healthyAfter: 100}, "")
	err := fmt.Errorf("boom")

	advance := func(want string) {
		for i := 0; i < defaultThreshold; i++ {
			if to, switched := m.ReportFailure(m.ActiveModel(), err); switched && to != want {
				t.Fatalf("switched to %q, want %q", to, want)
			}
		}
	}
	advance("claude-backup")
	advance("claude-last")
	for i := 0; i < defaultThreshold*2; i++ {
		if to, switched := m.ReportFailure("claude-last", err); switched {
			t.Fatalf("switched past the end of the chain to %q", to)
		}
	}
	if m.ActiveModel() != "claude-last" {
		t.Fatalf("active = %s", m.ActiveModel())
	}
}

func TestProbeRestoresPrimary(t *testing.T) {
	m, reg := newTestManager(t, &flakyProvider{healthyAfter: 0}, "")
	err := fmt.Errorf("boom")
	for i := 0; i < defaultThreshold; i++ {
		m.ReportFailure("claude-primary", err)
	}
	if m.Mode() != ModeDegraded {
		t.Fatalf("mode = %s", m.Mode())
	}

	if !m.ProbePrimary(context.Background()) {
		t.Fatal("probe should have restored the primary")
	}
	if m.Mode() != ModeNormal || m.ActiveModel() != "claude-primary" {
		t.Fatalf("state = %s / %s", m.Mode(), m.ActiveModel())
	}
	if reg.CurrentModel() != "claude-primary" {
		t.Fatalf("registry model = %s", reg.CurrentModel())
	}

	// Probe interval gates the next attempt.
	if m.ProbePrimary(context.Background()) {
		t.Fatal("probe in normal mode should do nothing")
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, &flakyProvider{healthyAfter: 100}, dir)
	err := fmt.Errorf("boom")
	for i := 0; i < defaultThreshold; i++ {
		m.ReportFailure("claude-primary", err)
	}
	if m.ActiveModel() != "claude-backup" {
		t.Fatalf("active = %s", m.ActiveModel())
	}

	data, readErr := os.ReadFile(filepath.Join(dir, "state", "failover.json"))
	if readErr != nil {
		t.Fatalf("read state: %v", readErr)
	}
	var st State
	if jsonErr := json.Unmarshal(data, &st); jsonErr != nil {
		t.Fatalf("parse state: %v", jsonErr)
	}
	if st.ActiveModel != "claude-backup" || st.Mode != ModeDegraded {
		t.Fatalf("persisted state = %+v", st)
	}

	m2, reg2 := newTestManager(t, &flakyProvider{healthyAfter: 100}, dir)
	if m2.ActiveModel() != "claude-backup" {
		t.Fatalf("restarted active = %s", m2.ActiveModel())
	}
	if reg2.CurrentModel() != "claude-backup" {
		t.Fatalf("restarted registry model = %s", reg2.CurrentModel())
	}
}
