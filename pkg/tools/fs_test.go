package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteThenReadFile(t *testing.T) {
	workspace := t.TempDir()
	write := NewWriteFileTool(workspace, true)
	read := NewReadFileTool(workspace, true)

	result := write.Execute(context.Background(), map[string]interface{}{
		"path":    "notes/todo.txt",
		"content": "buy milk",
	})
	if result.IsError {
		t.Fatalf("write failed: %s", result.ForLLM)
	}
	if result.Metadata[MetaFilePath] == "" {
		t.Error("write should report the produced file path")
	}

	result = read.Execute(context.Background(), map[string]interface{}{
		"path": "notes/todo.txt",
	})
	if result.IsError {
		t.Fatalf("read failed: %s", result.ForLLM)
	}
	if result.ForLLM != "buy milk" {
		t.Errorf("read content = %q", result.ForLLM)
	}
}

func TestRestrictBlocksEscape(t *testing.T) {
	workspace := t.TempDir()
	read := NewReadFileTool(workspace, true)

	result := read.Execute(context.Background(), map[string]interface{}{
		"path": "../../../etc/passwd",
	})
	if !result.IsError {
		t.Fatal("path escape should be rejected")
	}
	if !strings.Contains(result.ForLLM, "escapes workspace") {
		t.Errorf("unexpected error: %s", result.ForLLM)
	}
}

func TestEditFileRequiresUniqueMatch(t *testing.T) {
	workspace := t.TempDir()
	path := filepath.Join(workspace, "config.txt")
	if err := os.WriteFile(path, []byte("a=1\nb=1\n"), 0644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	edit := NewEditFileTool(workspace, true)

	result := edit.Execute(context.Background(), map[string]interface{}{
		"path":     "config.txt",
		"old_text": "=1",
		"new_text": "=2",
	})
	if !result.IsError {
		t.Fatal("ambiguous old_text should be rejected")
	}

	result = edit.Execute(context.Background(), map[string]interface{}{
		"path":     "config.txt",
		"old_text": "a=1",
		"new_text": "a=2",
	})
	if result.IsError {
		t.Fatalf("edit failed: %s", result.ForLLM)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "a=2\nb=1\n" {
		t.Errorf("file content = %q", data)
	}
}

func TestListDirShowsDirsFirst(t *testing.T) {
	workspace := t.TempDir()
	if err := os.Mkdir(filepath.Join(workspace, "sub"), 0755); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, "a.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	list := NewListDirTool(workspace, true)
	result := list.Execute(context.Background(), map[string]interface{}{})
	if result.IsError {
		t.Fatalf("list failed: %s", result.ForLLM)
	}
	lines := strings.Split(strings.TrimSpace(result.ForLLM), "\n")
	if len(lines) != 2 || lines[0] != "sub/" {
		t.Errorf("unexpected listing: %q", result.ForLLM)
	}
}

func TestExecToolCapturesOutput(t *testing.T) {
	workspace := t.TempDir()
	execTool := NewExecTool(workspace, true)

	result := execTool.Execute(context.Background(), map[string]interface{}{
		"command": "echo hello && echo oops >&2",
	})
	if result.IsError {
		t.Fatalf("exec failed: %s", result.ForLLM)
	}
	if !strings.Contains(result.ForLLM, "hello") || !strings.Contains(result.ForLLM, "oops") {
		t.Errorf("combined output missing streams: %q", result.ForLLM)
	}

	result = execTool.Execute(context.Background(), map[string]interface{}{
		"command": "exit 3",
	})
	if !result.IsError {
		t.Fatal("non-zero exit should be an error result")
	}
}
