//go:build !linux

package tools

import "context"

func screenshotImpl(ctx context.Context, workspace string) *ToolResult {
	return ErrorResult("screenshot is only available on Linux")
}

func cameraImpl(ctx context.Context, workspace string) *ToolResult {
	return ErrorResult("camera is only available on Linux")
}

func browserScreenshotImpl(ctx context.Context, workspace, url string) *ToolResult {
	return ErrorResult("browser_screenshot is only available on Linux")
}
