// Package skills extends the agent with optional capabilities. A skill
// bundles one or more tools behind a readiness predicate: skills whose
// credentials or runtime requirements are missing are left out of the
// tool set entirely, so the model never sees a tool it cannot call.
package skills

import (
	"fmt"

	"github.com/openwhale/openwhale/pkg/logger"
	"github.com/openwhale/openwhale/pkg/tools"
)

// Skill is one optional capability bundle.
type Skill interface {
	Name() string
	Description() string
	// Ready reports whether the skill can actually run right now
	// (credentials present, socket exists, and so on).
	Ready() bool
	Tools() []tools.Tool
}

// Registry holds all configured skills, ready or not.
type Registry struct {
	skills []Skill
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(s Skill) {
	r.skills = append(r.skills, s)
	logger.DebugCF("skills", "Registered skill", map[string]any{
		"name":  s.Name(),
		"ready": s.Ready(),
	})
}

// Skills returns every registered skill.
func (r *Registry) Skills() []Skill {
	return r.skills
}

// ReadyTools collects the tools of all ready skills.
func (r *Registry) ReadyTools() []tools.Tool {
	var out []tools.Tool
	for _, s := range r.skills {
		if !s.Ready() {
			continue
		}
		out = append(out, s.Tools()...)
	}
	return out
}

// Summary renders one line per ready skill for the system prompt.
func (r *Registry) Summary() string {
	var lines []string
	for _, s := range r.skills {
		if !s.Ready() {
			continue
		}
		lines = append(lines, fmt.Sprintf("- **%s**: %s", s.Name(), s.Description()))
	}
	if len(lines) == 0 {
		return ""
	}
	summary := ""
	for i, line := range lines {
		if i > 0 {
			summary += "\n"
		}
		summary += line
	}
	return summary
}
