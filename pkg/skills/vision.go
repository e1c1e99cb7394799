package skills

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openwhale/openwhale/pkg/config"
	"github.com/openwhale/openwhale/pkg/tools"
	"github.com/openwhale/openwhale/pkg/utils"
)

const (
	visionDefaultModel = "gemini-3-flash-preview"
	visionAPIBase      = "https://generativelanguage.googleapis.com/v1beta"
	visionMaxImageSize = 20 << 20
)

// VisionSkill runs a vision prompt over a captured image through
// Gemini's code-execution sandbox, so the model can count, measure or
// read things in screenshots and camera captures.
type VisionSkill struct {
	cfg       config.VisionConfig
	workspace string
	client    *http.Client
	baseURL   string
}

func NewVisionSkill(cfg config.VisionConfig, workspace string) *VisionSkill {
	return &VisionSkill{
		cfg:       cfg,
		workspace: workspace,
		client:    &http.Client{Timeout: 120 * time.Second},
		baseURL:   visionAPIBase,
	}
}

func (s *VisionSkill) Name() string { return "vision" }

func (s *VisionSkill) Description() string {
	return "Analyze images (count objects, read text, measure) by running a vision prompt in Gemini's code execution sandbox."
}

func (s *VisionSkill) apiKey() string {
	if s.cfg.APIKey != "" {
		return s.cfg.APIKey
	}
	return os.Getenv("GEMINI_API_KEY")
}

func (s *VisionSkill) model() string {
	if s.cfg.Model != "" {
		return s.cfg.Model
	}
	return visionDefaultModel
}

func (s *VisionSkill) Ready() bool {
	return s.apiKey() != ""
}

func (s *VisionSkill) Tools() []tools.Tool {
	return []tools.Tool{&visionAnalyzeTool{skill: s}}
}

type visionAnalyzeTool struct {
	skill *VisionSkill
}

func (t *visionAnalyzeTool) Name() string { return "vision_analyze" }

func (t *visionAnalyzeTool) Description() string {
	return "Run a vision prompt over an image file. Use after a screenshot or camera capture: pass the captured image path and an instruction like 'count the windows' or 'read the error message'."
}

func (t *visionAnalyzeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the image file to analyze",
			},
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Instruction for the vision model",
			},
		},
		"required": []string{"path", "prompt"},
	}
}

// Gemini generateContent response types, reduced to the parts the
// sandbox flow uses. Responses come back camelCase.
type visionPart struct {
	Text                string                     `json:"text"`
	InlineData          *visionInlineData          `json:"inlineData"`
	ExecutableCode      *visionExecutableCode      `json:"executableCode"`
	CodeExecutionResult *visionCodeExecutionResult `json:"codeExecutionResult"`
}

type visionInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type visionExecutableCode struct {
	Code string `json:"code"`
}

type visionCodeExecutionResult struct {
	Output string `json:"output"`
}

type visionResponse struct {
	Candidates []struct {
		Content struct {
			Parts []visionPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (t *visionAnalyzeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	path, _ := args["path"].(string)
	prompt, _ := args["prompt"].(string)
	if path == "" || prompt == "" {
		return tools.ErrorResult("path and prompt are required")
	}

	info, err := os.Stat(path)
	if err != nil {
		return tools.ErrorResult("image not found: %s", path)
	}
	if info.Size() > visionMaxImageSize {
		return tools.ErrorResult("image is %d bytes, over the %d byte limit", info.Size(), visionMaxImageSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return tools.ErrorResult("reading image: %v", err)
	}
	mimeType := utils.DetectImageMimeType(path)
	if mimeType == "" {
		return tools.ErrorResult("not an image file: %s", path)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"contents": []map[string]interface{}{{
			"parts": []interface{}{
				map[string]interface{}{"text": prompt},
				map[string]interface{}{"inline_data": map[string]string{
					"mime_type": mimeType,
					"data":      base64.StdEncoding.EncodeToString(data),
				}},
			},
		}},
		"tools":            []map[string]interface{}{{"code_execution": map[string]interface{}{}}},
		"generationConfig": map[string]interface{}{"temperature": 0.0},
	})
	if err != nil {
		return tools.ErrorResult("encoding request: %v", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", t.skill.baseURL, t.skill.model())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return tools.ErrorResult("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", t.skill.apiKey())

	resp, err := t.skill.client.Do(req)
	if err != nil {
		return tools.ErrorResult("calling vision API: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if resp.StatusCode >= 400 {
		return tools.ErrorResult("vision API returned HTTP %d: %s", resp.StatusCode, utils.Truncate(string(body), 500))
	}

	var parsed visionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return tools.ErrorResult("decoding response: %v", err)
	}
	if len(parsed.Candidates) == 0 {
		return tools.ErrorResult("vision model returned no candidates")
	}

	return t.renderResult(parsed.Candidates[0].Content.Parts)
}

// renderResult flattens the sandbox transcript into text for the
// conversation and saves any generated image so it can be sent on.
func (t *visionAnalyzeTool) renderResult(parts []visionPart) *tools.ToolResult {
	var sections []string
	savedImage := ""
	for _, part := range parts {
		if part.ExecutableCode != nil && part.ExecutableCode.Code != "" {
			sections = append(sections, "Sandbox code:\n```python\n"+part.ExecutableCode.Code+"\n```")
		}
		if part.CodeExecutionResult != nil && part.CodeExecutionResult.Output != "" {
			sections = append(sections, "Sandbox output:\n```\n"+part.CodeExecutionResult.Output+"\n```")
		}
		if part.Text != "" {
			sections = append(sections, part.Text)
		}
		if part.InlineData != nil && savedImage == "" {
			if path, err := t.saveInlineImage(part.InlineData); err == nil {
				savedImage = path
			}
		}
	}
	if len(sections) == 0 && savedImage == "" {
		return tools.ErrorResult("vision model returned an empty response")
	}

	text := strings.Join(sections, "\n\n")
	if savedImage != "" {
		text += fmt.Sprintf("\n\nGenerated image saved to %s", savedImage)
	}
	result := tools.SilentResult(text)
	if savedImage != "" {
		result.Metadata = map[string]string{
			tools.MetaArtifactKind: tools.ArtifactImage,
			tools.MetaArtifactPath: savedImage,
		}
	}
	return result
}

func (t *visionAnalyzeTool) saveInlineImage(inline *visionInlineData) (string, error) {
	data, err := base64.StdEncoding.DecodeString(inline.Data)
	if err != nil {
		return "", fmt.Errorf("decoding inline image: %w", err)
	}
	ext := ".png"
	if strings.Contains(inline.MimeType, "jpeg") {
		ext = ".jpg"
	}
	dir := filepath.Join(t.skill.workspace, "captures")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "vision_"+uuid.NewString()[:8]+ext)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}
