package artifacts

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStoreSaveAndGetByID(t *testing.T) {
	tmp := t.TempDir()
	in := filepath.Join(tmp, "in.txt")
	if err := os.WriteFile(in, []byte("hello"), 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	s := NewStore(tmp)
	rec, err := s.SaveFromLocalFile("telegram", "123", "demo.txt", "text/plain", "document", in)
	if err != nil {
		t.Fatalf("SaveFromLocalFile failed: %v", err)
	}
	if rec.ID == "" || rec.StoredPath == "" {
		t.Fatalf("unexpected empty record: %+v", rec)
	}
	if _, err := os.Stat(rec.StoredPath); err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
	if rec.SizeBytes != 5 {
		t.Fatalf("size mismatch: %d", rec.SizeBytes)
	}

	got, ok := s.GetByID(rec.ID)
	if !ok {
		t.Fatalf("record not found by id")
	}
	if got.Name != "demo.txt" {
		t.Fatalf("name mismatch: got %q", got.Name)
	}
}

func TestSaveBytesAndListByChat(t *testing.T) {
	tmp := t.TempDir()
	s := NewStore(tmp)

	first, err := s.SaveBytes("discord", "chan-9", "a.png", "image/png", "image", []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("SaveBytes failed: %v", err)
	}
	if _, err := s.SaveBytes("discord", "other", "b.png", "image/png", "image", []byte{4}); err != nil {
		t.Fatalf("SaveBytes failed: %v", err)
	}

	recs := s.ListByChat("discord", "chan-9")
	if len(recs) != 1 || recs[0].ID != first.ID {
		t.Fatalf("ListByChat returned %+v", recs)
	}
	if !s.IsInRoot(recs[0].StoredPath) {
		t.Errorf("stored path should be inside the artifact root: %s", recs[0].StoredPath)
	}
	if s.IsInRoot(filepath.Join(tmp, "elsewhere.txt")) {
		t.Error("unrelated path should not be inside the artifact root")
	}
}

func TestStoreReloadsIndex(t *testing.T) {
	tmp := t.TempDir()
	s := NewStore(tmp)
	rec, err := s.SaveBytes("slack", "C1", "report.pdf", "application/pdf", "document", []byte("pdf"))
	if err != nil {
		t.Fatalf("SaveBytes failed: %v", err)
	}

	reopened := NewStore(tmp)
	got, ok := reopened.GetByID(rec.ID)
	if !ok {
		t.Fatal("record not found after reload")
	}
	if got.SHA256 != rec.SHA256 {
		t.Errorf("hash mismatch after reload")
	}
}
