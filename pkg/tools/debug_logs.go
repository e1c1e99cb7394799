package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// DebugLogsTool reads recent log entries so the model can self-diagnose
// failures when the user asks why something went wrong.
type DebugLogsTool struct {
	logPath string
}

func NewDebugLogsTool(logPath string) *DebugLogsTool {
	return &DebugLogsTool{logPath: logPath}
}

func (t *DebugLogsTool) Name() string { return "debug_logs" }

func (t *DebugLogsTool) Description() string {
	return "Read recent OpenWhale log entries to diagnose errors or unexpected behavior. Supports filtering by log level or keyword."
}

func (t *DebugLogsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"lines": map[string]interface{}{
				"type":        "integer",
				"description": "Number of recent log lines to read (default: 50, max: 200)",
			},
			"keyword": map[string]interface{}{
				"type":        "string",
				"description": "Filter logs containing this keyword in message or fields",
			},
			"level": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"ERROR", "WARN", "INFO", "DEBUG"},
				"description": "Minimum log level to include",
			},
		},
	}
}

type logEntry struct {
	Level     string                 `json:"level"`
	Timestamp string                 `json:"timestamp"`
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields"`
}

func levelPriority(level string) int {
	switch strings.ToUpper(level) {
	case "ERROR":
		return 4
	case "WARN":
		return 3
	case "INFO":
		return 2
	case "DEBUG":
		return 1
	default:
		return 0
	}
}

func (t *DebugLogsTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	maxLines := 50
	if l, ok := args["lines"].(float64); ok && l > 0 {
		maxLines = int(l)
		if maxLines > 200 {
			maxLines = 200
		}
	}

	keyword := ""
	if kw, ok := args["keyword"].(string); ok {
		keyword = strings.ToLower(kw)
	}

	minLevel := 0
	if lvl, ok := args["level"].(string); ok && lvl != "" {
		minLevel = levelPriority(lvl)
	}

	// Read extra lines so filters still leave enough to show.
	lines, err := readTail(t.logPath, maxLines*3)
	if err != nil {
		return ErrorResult("Failed to read log file: %v", err)
	}
	if len(lines) == 0 {
		return SilentResult("Log file is empty.")
	}

	var filtered []logEntry
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e logEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if minLevel > 0 && levelPriority(e.Level) < minLevel {
			continue
		}
		if keyword != "" {
			found := strings.Contains(strings.ToLower(e.Message), keyword)
			if !found {
				fieldsJSON, _ := json.Marshal(e.Fields)
				found = strings.Contains(strings.ToLower(string(fieldsJSON)), keyword)
			}
			if !found {
				continue
			}
		}
		filtered = append(filtered, e)
	}

	if len(filtered) > maxLines {
		filtered = filtered[len(filtered)-maxLines:]
	}
	if len(filtered) == 0 {
		return SilentResult("No log entries matched the filters.")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "=== OpenWhale Logs (%d entries) ===\n\n", len(filtered))
	for _, e := range filtered {
		fmt.Fprintf(&sb, "[%s] %s [%s] %s", e.Timestamp, e.Level, e.Component, e.Message)
		if len(e.Fields) > 0 {
			compact := make(map[string]interface{}, len(e.Fields))
			for k, v := range e.Fields {
				if s, ok := v.(string); ok && len(s) > 200 {
					compact[k] = s[:200] + "..."
				} else {
					compact[k] = v
				}
			}
			fieldsJSON, _ := json.Marshal(compact)
			fmt.Fprintf(&sb, " %s", fieldsJSON)
		}
		sb.WriteString("\n")
	}

	result := sb.String()
	if len(result) > 8000 {
		result = "... (truncated)\n" + result[len(result)-8000:]
	}
	return SilentResult(result)
}

func readTail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(all) > n {
		return all[len(all)-n:], nil
	}
	return all, nil
}
