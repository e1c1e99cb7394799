package skills

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/tools"
)

// EmporiaSkill reads per-circuit power draw from an Emporia Vue meter
// flashed with ESPHome, via the device's local web server event stream.
type EmporiaSkill struct {
	cfg    config.EmporiaConfig
	client *http.Client
}

func NewEmporiaSkill(cfg config.EmporiaConfig) *EmporiaSkill {
	return &EmporiaSkill{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *EmporiaSkill) Name() string { return "emporia_energy" }

func (s *EmporiaSkill) Description() string {
	return "Report live household power usage per circuit from the Emporia Vue energy monitor."
}

func (s *EmporiaSkill) Ready() bool { return s.cfg.Host != "" }

func (s *EmporiaSkill) Tools() []tools.Tool {
	return []tools.Tool{&emporiaUsageTool{skill: s}}
}

type circuitReading struct {
	ID    string
	Name  string
	Watts float64
}

// readCircuits listens on the ESPHome /events stream until every sensor
// has reported once or the window closes. ESPHome pushes each sensor
// state shortly after a client connects, so a few seconds suffices.
func (s *EmporiaSkill) readCircuits(ctx context.Context) ([]circuitReading, error) {
	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/events", strings.TrimSuffix(s.cfg.Host, "/"))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if s.cfg.Password != "" {
		req.SetBasicAuth("admin", s.cfg.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to meter: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("meter returned HTTP %d", resp.StatusCode)
	}

	type stateEvent struct {
		ID    string      `json:"id"`
		Name  string      `json:"name"`
		Value interface{} `json:"value"`
	}

	byID := map[string]circuitReading{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 16*1024), 128*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev stateEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		if !strings.HasPrefix(ev.ID, "sensor-") {
			continue
		}
		watts, ok := ev.Value.(float64)
		if !ok {
			continue
		}
		name := ev.Name
		if name == "" {
			name = strings.TrimPrefix(ev.ID, "sensor-")
		}
		byID[ev.ID] = circuitReading{ID: ev.ID, Name: name, Watts: watts}
	}
	// The stream only ends when the window times out; a deadline here
	// is the expected exit, not a failure.
	if err := scanner.Err(); err != nil && streamCtx.Err() == nil {
		return nil, err
	}

	readings := make([]circuitReading, 0, len(byID))
	for _, r := range byID {
		readings = append(readings, r)
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].Watts > readings[j].Watts })
	return readings, nil
}

type emporiaUsageTool struct {
	skill *EmporiaSkill
}

func (t *emporiaUsageTool) Name() string { return "emporia_usage" }

func (t *emporiaUsageTool) Description() string {
	return "Get current power usage from the Emporia Vue energy monitor, either a whole-house summary or a specific circuit by name."
}

func (t *emporiaUsageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"circuit": map[string]interface{}{
				"type":        "string",
				"description": "Optional circuit name to filter on (case-insensitive substring match)",
			},
		},
	}
}

func (t *emporiaUsageTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	readings, err := t.skill.readCircuits(ctx)
	if err != nil {
		return tools.ErrorResult("reading energy monitor: %v", err)
	}
	if len(readings) == 0 {
		return tools.ErrorResult("no circuit readings received from the meter")
	}

	filter, _ := args["circuit"].(string)
	if filter != "" {
		needle := strings.ToLower(filter)
		var matched []circuitReading
		for _, r := range readings {
			if strings.Contains(strings.ToLower(r.Name), needle) {
				matched = append(matched, r)
			}
		}
		if len(matched) == 0 {
			return tools.ErrorResult("no circuit matches %q", filter)
		}
		readings = matched
	}

	var total float64
	var sb strings.Builder
	for _, r := range readings {
		total += r.Watts
		fmt.Fprintf(&sb, "- %s: %.1f W\n", r.Name, r.Watts)
	}
	header := fmt.Sprintf("Power usage (%d circuits, %.1f W total):\n", len(readings), total)
	return tools.SilentResult(header + sb.String())
}
