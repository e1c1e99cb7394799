package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// resolvePath turns a tool-supplied path into an absolute one, rooted at
// the workspace for relative paths. With restrict set, anything that
// escapes the workspace is rejected.
func resolvePath(workspace, path string, restrict bool) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	path = filepath.Clean(path)

	if restrict {
		absWorkspace, err := filepath.Abs(workspace)
		if err != nil {
			return "", fmt.Errorf("resolve workspace: %w", err)
		}
		rel, err := filepath.Rel(absWorkspace, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path escapes workspace: %s", path)
		}
	}
	return path, nil
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

// ReadFileTool reads a file from disk.
type ReadFileTool struct {
	workspace string
	restrict  bool
}

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file. Relative paths resolve against the workspace."
}

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, err := resolvePath(t.workspace, stringArg(args, "path"), t.restrict)
	if err != nil {
		return ErrorResult("%v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult("reading file: %v", err)
	}
	return &ToolResult{ForLLM: string(data), Silent: true}
}

// WriteFileTool creates or overwrites a file, creating parent
// directories as needed.
type WriteFileTool struct {
	workspace string
	restrict  bool
}

func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, restrict: restrict}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating it (and parent directories) if needed. Overwrites existing content."
}

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, err := resolvePath(t.workspace, stringArg(args, "path"), t.restrict)
	if err != nil {
		return ErrorResult("%v", err)
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ErrorResult("creating directories: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return ErrorResult("writing file: %v", err)
	}
	return &ToolResult{
		ForLLM: fmt.Sprintf("Wrote %d bytes to %s", len(content), path),
		Silent: true,
		Metadata: map[string]string{
			MetaFilePath: path,
		},
	}
}

// EditFileTool replaces an exact text span inside an existing file.
type EditFileTool struct {
	workspace string
	restrict  bool
}

func NewEditFileTool(workspace string, restrict bool) *EditFileTool {
	return &EditFileTool{workspace: workspace, restrict: restrict}
}

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Replace an exact text snippet in a file with new text. The old text must appear exactly once."
}

func (t *EditFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to edit",
			},
			"old_text": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to replace",
			},
			"new_text": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text",
			},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, err := resolvePath(t.workspace, stringArg(args, "path"), t.restrict)
	if err != nil {
		return ErrorResult("%v", err)
	}
	oldText := stringArg(args, "old_text")
	newText := stringArg(args, "new_text")
	if oldText == "" {
		return ErrorResult("old_text is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult("reading file: %v", err)
	}
	content := string(data)
	count := strings.Count(content, oldText)
	if count == 0 {
		return ErrorResult("old_text not found in %s", path)
	}
	if count > 1 {
		return ErrorResult("old_text appears %d times in %s, needs to be unique", count, path)
	}
	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		return ErrorResult("writing file: %v", err)
	}
	return &ToolResult{ForLLM: fmt.Sprintf("Edited %s", path), Silent: true}
}

// AppendFileTool appends content to a file.
type AppendFileTool struct {
	workspace string
	restrict  bool
}

func NewAppendFileTool(workspace string, restrict bool) *AppendFileTool {
	return &AppendFileTool{workspace: workspace, restrict: restrict}
}

func (t *AppendFileTool) Name() string { return "append_file" }

func (t *AppendFileTool) Description() string {
	return "Append content to the end of a file, creating it if needed."
}

func (t *AppendFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to append",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *AppendFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, err := resolvePath(t.workspace, stringArg(args, "path"), t.restrict)
	if err != nil {
		return ErrorResult("%v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ErrorResult("creating directories: %v", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return ErrorResult("opening file: %v", err)
	}
	defer f.Close()
	content := stringArg(args, "content")
	if _, err := f.WriteString(content); err != nil {
		return ErrorResult("appending: %v", err)
	}
	return &ToolResult{ForLLM: fmt.Sprintf("Appended %d bytes to %s", len(content), path), Silent: true}
}

// ListDirTool lists a directory, directories first.
type ListDirTool struct {
	workspace string
	restrict  bool
}

func NewListDirTool(workspace string, restrict bool) *ListDirTool {
	return &ListDirTool{workspace: workspace, restrict: restrict}
}

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List the entries of a directory. Defaults to the workspace root."
}

func (t *ListDirTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list (default: workspace root)",
			},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	raw := stringArg(args, "path")
	if raw == "" {
		raw = "."
	}
	path, err := resolvePath(t.workspace, raw, t.restrict)
	if err != nil {
		return ErrorResult("%v", err)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return ErrorResult("listing directory: %v", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			fmt.Fprintf(&sb, "%s\n", e.Name())
			continue
		}
		fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name(), info.Size())
	}
	if sb.Len() == 0 {
		return &ToolResult{ForLLM: "(empty directory)", Silent: true}
	}
	return &ToolResult{ForLLM: sb.String(), Silent: true}
}
