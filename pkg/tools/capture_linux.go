//go:build linux

package tools

import (
	"context"
	"os/exec"
	"time"
)

const captureTimeout = 30 * time.Second

// runCapture executes one capture command with a bounded timeout.
func runCapture(ctx context.Context, name string, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()
	return exec.CommandContext(runCtx, name, args...).Run()
}

func haveCommand(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func screenshotImpl(ctx context.Context, workspace string) *ToolResult {
	out, err := captureOutputPath(workspace, "screenshot", ".png")
	if err != nil {
		return ErrorResult("%v", err)
	}

	// Wayland compositors ship grim; X11 setups usually have scrot.
	switch {
	case haveCommand("grim"):
		if err := runCapture(ctx, "grim", out); err != nil {
			return ErrorResult("grim failed: %v", err)
		}
	case haveCommand("scrot"):
		if err := runCapture(ctx, "scrot", "--overwrite", out); err != nil {
			return ErrorResult("scrot failed: %v", err)
		}
	default:
		return ErrorResult("no screenshot tool found (need grim or scrot)")
	}
	return captureResult(out)
}

func cameraImpl(ctx context.Context, workspace string) *ToolResult {
	out, err := captureOutputPath(workspace, "camera", ".jpg")
	if err != nil {
		return ErrorResult("%v", err)
	}

	switch {
	case haveCommand("fswebcam"):
		if err := runCapture(ctx, "fswebcam", "-r", "1280x720", "--no-banner", out); err != nil {
			return ErrorResult("fswebcam failed: %v", err)
		}
	case haveCommand("ffmpeg"):
		if err := runCapture(ctx, "ffmpeg", "-y", "-f", "v4l2", "-i", "/dev/video0", "-frames:v", "1", out); err != nil {
			return ErrorResult("ffmpeg camera capture failed: %v", err)
		}
	default:
		return ErrorResult("no camera tool found (need fswebcam or ffmpeg)")
	}
	return captureResult(out)
}

func browserScreenshotImpl(ctx context.Context, workspace, url string) *ToolResult {
	out, err := captureOutputPath(workspace, "browser", ".png")
	if err != nil {
		return ErrorResult("%v", err)
	}

	browser := ""
	for _, candidate := range []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if haveCommand(candidate) {
			browser = candidate
			break
		}
	}
	if browser == "" {
		return ErrorResult("no headless browser found (need chromium or google-chrome)")
	}

	err = runCapture(ctx, browser,
		"--headless", "--disable-gpu", "--hide-scrollbars",
		"--window-size=1280,900",
		"--screenshot="+out, url)
	if err != nil {
		return ErrorResult("%s failed: %v", browser, err)
	}
	return captureResult(out)
}
