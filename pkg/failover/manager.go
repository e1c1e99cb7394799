package failover

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openwhale/openwhale/pkg/logger"
	"github.com/openwhale/openwhale/pkg/providers"
)

const (
	ModeNormal   = "normal"
	ModeDegraded = "degraded"

	// Consecutive failures on the active model before switching.
	defaultThreshold = 3
	// Minimum gap between recovery probes of the primary model.
	defaultProbeInterval = 5 * time.Minute
)

// State is persisted so a restart lands on the same active model
// instead of hammering a provider that was already failing.
type State struct {
	Mode        string    `json:"mode"`
	ActiveModel string    `json:"active_model"`
	Failures    int       `json:"failures"`
	SwitchedAt  time.Time `json:"switched_at,omitempty"`
	LastProbeAt time.Time `json:"last_probe_at,omitempty"`
}

// Manager degrades from the primary model to a fallback chain when
// calls keep failing, and probes the primary to switch back once it
// recovers.
type Manager struct {
	registry      *providers.Registry
	primary       string
	fallbacks     []string
	threshold     int
	probeInterval time.Duration
	statePath     string

	mu sync.Mutex
	st State
}

func NewManager(registry *providers.Registry, primary string, fallbacks []string, workspace string) *Manager {
	m := &Manager{
		registry:      registry,
		primary:       primary,
		fallbacks:     fallbacks,
		threshold:     defaultThreshold,
		probeInterval: defaultProbeInterval,
		st:            State{Mode: ModeNormal, ActiveModel: primary},
	}
	if workspace != "" {
		stateDir := filepath.Join(workspace, "state")
		_ = os.MkdirAll(stateDir, 0755)
		m.statePath = filepath.Join(stateDir, "failover.json")
		m.load()
	}
	if m.st.ActiveModel != "" && m.st.ActiveModel != primary {
		if err := registry.SetCurrentModel(m.st.ActiveModel); err != nil {
			m.st = State{Mode: ModeNormal, ActiveModel: primary}
		}
	}
	return m
}

func (m *Manager) ActiveModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ActiveModel
}

func (m *Manager) Mode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Mode
}

// ReportFailure counts a failed call on the given model. Once the
// threshold is hit the next fallback becomes active; the new model name
// is returned with switched=true.
func (m *Manager) ReportFailure(model string, callErr error) (to string, switched bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if model != m.st.ActiveModel {
		return "", false
	}
	m.st.Failures++
	if m.st.Failures < m.threshold {
		m.saveLocked()
		return "", false
	}

	next, ok := m.nextFallback()
	if !ok {
		// End of the chain: stay put and keep counting.
		m.saveLocked()
		return "", false
	}
	if err := m.registry.SetCurrentModel(next); err != nil {
		logger.WarnCF("failover", "Fallback model rejected", map[string]interface{}{
			"model": next,
			"error": err.Error(),
		})
		m.saveLocked()
		return "", false
	}

	logger.WarnCF("failover", "Switching to fallback model", map[string]interface{}{
		"from":   m.st.ActiveModel,
		"to":     next,
		"reason": callErr.Error(),
	})
	m.st.ActiveModel = next
	m.st.Mode = ModeDegraded
	m.st.Failures = 0
	m.st.SwitchedAt = time.Now().UTC()
	m.saveLocked()
	return next, true
}

// ReportSuccess resets the failure count. A success on the primary
// ends degraded mode.
func (m *Manager) ReportSuccess(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if model != m.st.ActiveModel {
		return
	}
	changed := m.st.Failures != 0
	m.st.Failures = 0
	if model == m.primary && m.st.Mode != ModeNormal {
		m.st.Mode = ModeNormal
		changed = true
		logger.InfoC("failover", "Primary model healthy again")
	}
	if changed {
		m.saveLocked()
	}
}

// ProbePrimary tries one tiny completion on the primary model. When it
// succeeds the primary becomes active again. Rate-limited by the probe
// interval; returns whether a switchback happened.
func (m *Manager) ProbePrimary(ctx context.Context) bool {
	m.mu.Lock()
	if m.st.Mode != ModeDegraded || time.Since(m.st.LastProbeAt) < m.probeInterval {
		m.mu.Unlock()
		return false
	}
	m.st.LastProbeAt = time.Now().UTC()
	m.saveLocked()
	primary := m.primary
	m.mu.Unlock()

	_, err := m.registry.Complete(ctx,
		[]providers.Message{{Role: "user", Content: "ping"}},
		nil, primary,
		map[string]interface{}{"max_tokens": 8})
	if err != nil {
		logger.DebugCF("failover", "Primary probe failed", map[string]interface{}{"error": err.Error()})
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.registry.SetCurrentModel(primary); err != nil {
		return false
	}
	logger.InfoCF("failover", "Switched back to primary model", map[string]interface{}{"model": primary})
	m.st = State{Mode: ModeNormal, ActiveModel: primary}
	m.saveLocked()
	return true
}

// nextFallback picks the first chain entry after the active model, or
// the first entry when the active model is not in the chain.
func (m *Manager) nextFallback() (string, bool) {
	if len(m.fallbacks) == 0 {
		return "", false
	}
	for i, model := range m.fallbacks {
		if model == m.st.ActiveModel {
			if i+1 < len(m.fallbacks) {
				return m.fallbacks[i+1], true
			}
			return "", false
		}
	}
	return m.fallbacks[0], true
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		return
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return
	}
	if st.Mode == "" {
		st.Mode = ModeNormal
	}
	if st.ActiveModel == "" {
		st.ActiveModel = m.primary
	}
	m.st = st
}

func (m *Manager) saveLocked() {
	if m.statePath == "" {
		return
	}
	data, err := json.MarshalIndent(m.st, "", "  ")
	if err != nil {
		return
	}
	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logger.DebugCF("failover", "Failed to write state", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := os.Rename(tmp, m.statePath); err != nil {
		logger.DebugCF("failover", "Failed to replace state file", map[string]interface{}{"error": err.Error()})
	}
}

// Describe renders a one-line status for diagnostics.
func (m *Manager) Describe() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.Mode == ModeNormal {
		return fmt.Sprintf("normal (model %s)", m.st.ActiveModel)
	}
	return fmt.Sprintf("degraded (model %s since %s)", m.st.ActiveModel, m.st.SwitchedAt.Format(time.RFC3339))
}
