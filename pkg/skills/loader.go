package skills

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openwhale/openwhale/pkg/logger"
)

// Manifest is the YAML frontmatter of a workspace SKILL.md file.
type Manifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
}

// WorkspaceSkill is a prompt-only skill defined by a SKILL.md document
// under the workspace skills directory. The model reads the full
// document with read_file when it decides to use the skill.
type WorkspaceSkill struct {
	Manifest Manifest
	Path     string
}

// Loader discovers workspace skills.
type Loader struct {
	dirs []string
}

// NewLoader scans the given directories, in order. Later directories do
// not override earlier ones; duplicates by name are skipped.
func NewLoader(dirs ...string) *Loader {
	return &Loader{dirs: dirs}
}

// Load parses every skills/<name>/SKILL.md it can find.
func (l *Loader) Load() []WorkspaceSkill {
	var out []WorkspaceSkill
	seen := map[string]bool{}

	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name(), "SKILL.md")
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			manifest, err := parseFrontmatter(data)
			if err != nil {
				logger.WarnCF("skills", "Skipping skill with bad frontmatter", map[string]any{
					"path":  path,
					"error": err.Error(),
				})
				continue
			}
			if manifest.Name == "" {
				manifest.Name = e.Name()
			}
			if seen[manifest.Name] {
				continue
			}
			seen[manifest.Name] = true
			out = append(out, WorkspaceSkill{Manifest: manifest, Path: path})
		}
	}
	return out
}

// BuildSummary renders the workspace skills section of the system
// prompt: name, description, and where to read the full instructions.
func (l *Loader) BuildSummary() string {
	skills := l.Load()
	if len(skills) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, s := range skills {
		sb.WriteString("- **")
		sb.WriteString(s.Manifest.Name)
		sb.WriteString("**")
		if s.Manifest.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(s.Manifest.Description)
		}
		sb.WriteString(" (read ")
		sb.WriteString(s.Path)
		sb.WriteString(" for instructions)\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// parseFrontmatter extracts the YAML block between the leading "---"
// fences. A document without frontmatter yields an empty manifest.
func parseFrontmatter(data []byte) (Manifest, error) {
	var m Manifest
	content := string(data)
	if !strings.HasPrefix(content, "---\n") {
		return m, nil
	}
	rest := content[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return m, nil
	}
	err := yaml.Unmarshal([]byte(rest[:end]), &m)
	return m, err
}
