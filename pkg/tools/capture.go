package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// captureOutputPath returns a fresh destination under workspace/captures.
func captureOutputPath(workspace, prefix, ext string) (string, error) {
	dir := filepath.Join(workspace, "captures")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create captures dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%s%s", prefix, time.Now().Format("20060102_150405"), uuid.NewString()[:8], ext)
	return filepath.Join(dir, name), nil
}

// captureResult is the shared success shape for all capture tools: the
// image lands in the run's artifact bag and the model is told how to
// deliver it.
func captureResult(path string) *ToolResult {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return ErrorResult("capture produced no output at %s", path)
	}
	return &ToolResult{
		ForLLM: fmt.Sprintf("Captured image saved to %s (%d bytes). Call the channel's send_image tool to deliver it to the user.", path, info.Size()),
		Silent: true,
		Metadata: map[string]string{
			MetaArtifactKind: ArtifactImage,
			MetaArtifactPath: path,
		},
	}
}

// ScreenshotTool captures the current screen.
type ScreenshotTool struct {
	workspace string
}

func NewScreenshotTool(workspace string) *ScreenshotTool {
	return &ScreenshotTool{workspace: workspace}
}

func (t *ScreenshotTool) Name() string { return "screenshot" }

func (t *ScreenshotTool) Description() string {
	return "Take a screenshot of the desktop. The captured image can then be sent to the user with the channel's send_image tool."
}

func (t *ScreenshotTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ScreenshotTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	return screenshotImpl(ctx, t.workspace)
}

// CameraTool captures a frame from the default camera.
type CameraTool struct {
	workspace string
}

func NewCameraTool(workspace string) *CameraTool {
	return &CameraTool{workspace: workspace}
}

func (t *CameraTool) Name() string { return "camera" }

func (t *CameraTool) Description() string {
	return "Capture a photo from the default camera. The captured image can then be sent to the user with the channel's send_image tool."
}

func (t *CameraTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *CameraTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	return cameraImpl(ctx, t.workspace)
}

// BrowserScreenshotTool renders a URL in a headless browser and captures
// the page.
type BrowserScreenshotTool struct {
	workspace string
}

func NewBrowserScreenshotTool(workspace string) *BrowserScreenshotTool {
	return &BrowserScreenshotTool{workspace: workspace}
}

func (t *BrowserScreenshotTool) Name() string { return "browser_screenshot" }

func (t *BrowserScreenshotTool) Description() string {
	return "Render a web page in a headless browser and capture a screenshot of it. The captured image can then be sent to the user with the channel's send_image tool."
}

func (t *BrowserScreenshotTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL of the page to capture",
			},
		},
		"required": []string{"url"},
	}
}

func (t *BrowserScreenshotTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	url := strings.TrimSpace(stringArg(args, "url"))
	if url == "" {
		return ErrorResult("url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return ErrorResult("url must start with http:// or https://")
	}
	return browserScreenshotImpl(ctx, t.workspace, url)
}
