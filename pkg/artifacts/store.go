// Package artifacts stores files that flow through conversations:
// media downloaded from channels before a run, and files produced by
// tools during one. Content lives on disk under the workspace; a JSON
// index keeps the metadata.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openwhale/openwhale/pkg/utils"
)

// Record describes one stored artifact.
type Record struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	ChatID     string    `json:"chat_id"`
	Name       string    `json:"name"`
	StoredPath string    `json:"stored_path"`
	MIMEType   string    `json:"mime_type,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	SizeBytes  int64     `json:"size_bytes"`
	SHA256     string    `json:"sha256"`
	CreatedAt  time.Time `json:"created_at"`
}

type stateFile struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

type Store struct {
	mu        sync.RWMutex
	statePath string
	rootPath  string
	records   map[string]Record
}

// NewStore roots artifact content under workspace/artifacts and the
// index under workspace/state/artifacts.json.
func NewStore(workspace string) *Store {
	root := filepath.Join(workspace, "artifacts")
	statePath := filepath.Join(workspace, "state", "artifacts.json")

	_ = os.MkdirAll(filepath.Dir(statePath), 0755)
	_ = os.MkdirAll(root, 0755)

	s := &Store{
		statePath: statePath,
		rootPath:  root,
		records:   map[string]Record{},
	}
	_ = s.load()
	return s
}

func (s *Store) RootPath() string {
	return s.rootPath
}

// SaveBytes stores an in-memory payload, as delivered by a channel
// download, and returns its record.
func (s *Store) SaveBytes(channel, chatID, name, mimeType, kind string, data []byte) (Record, error) {
	destPath, baseName, now, err := s.destFor(channel, chatID, name)
	if err != nil {
		return Record{}, err
	}

	sum := sha256.Sum256(data)
	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return Record{}, fmt.Errorf("write artifact: %w", err)
	}

	rec := Record{
		ID:         "art_" + uuid.NewString(),
		Channel:    channel,
		ChatID:     chatID,
		Name:       baseName,
		StoredPath: destPath,
		MIMEType:   mimeType,
		Kind:       kind,
		SizeBytes:  int64(len(data)),
		SHA256:     hex.EncodeToString(sum[:]),
		CreatedAt:  now,
	}
	return rec, s.add(rec)
}

// SaveFromLocalFile copies an existing file into the store.
func (s *Store) SaveFromLocalFile(channel, chatID, name, mimeType, kind, localPath string) (Record, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return Record{}, fmt.Errorf("stat local file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Record{}, fmt.Errorf("not a regular file: %s", localPath)
	}

	if name == "" {
		name = filepath.Base(localPath)
	}
	destPath, baseName, now, err := s.destFor(channel, chatID, name)
	if err != nil {
		return Record{}, err
	}

	size, sum, err := copyWithHash(localPath, destPath)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:         "art_" + uuid.NewString(),
		Channel:    channel,
		ChatID:     chatID,
		Name:       baseName,
		StoredPath: destPath,
		MIMEType:   mimeType,
		Kind:       kind,
		SizeBytes:  size,
		SHA256:     sum,
		CreatedAt:  now,
	}
	return rec, s.add(rec)
}

func (s *Store) destFor(channel, chatID, name string) (destPath, baseName string, now time.Time, err error) {
	now = time.Now().UTC()
	dayPath := filepath.Join(
		s.rootPath,
		strings.ToLower(strings.TrimSpace(channel)),
		strings.TrimSpace(chatID),
		now.Format("2006-01-02"),
	)
	if err = os.MkdirAll(dayPath, 0755); err != nil {
		err = fmt.Errorf("mkdir artifact day path: %w", err)
		return
	}
	baseName = utils.SanitizeFilename(name)
	if baseName == "" {
		baseName = "artifact"
	}
	destName := fmt.Sprintf("%s_%s_%s", now.Format("150405"), uuid.NewString()[:8], baseName)
	destPath = filepath.Join(dayPath, destName)
	return
}

func (s *Store) add(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return s.saveLocked()
}

func (s *Store) GetByID(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

// ListByChat returns artifacts for a (channel, chatID), newest first.
func (s *Store) ListByChat(channel, chatID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.Channel == channel && r.ChatID == chatID {
			out = append(out, r)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// IsInRoot reports whether path points inside the artifact root.
func (s *Store) IsInRoot(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	root, err := filepath.Abs(s.rootPath)
	if err != nil {
		return false
	}
	return strings.HasPrefix(abs, root+string(filepath.Separator)) || abs == root
}

func copyWithHash(srcPath, dstPath string) (int64, string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, "", fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, "", fmt.Errorf("create destination file: %w", err)
	}
	defer dst.Close()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, hasher), src)
	if err != nil {
		_ = os.Remove(dstPath)
		return 0, "", fmt.Errorf("copy file: %w", err)
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		s.records = map[string]Record{}
		return nil
	}
	out := make(map[string]Record, len(st.Records))
	for _, r := range st.Records {
		out[r.ID] = r
	}
	s.records = out
	return nil
}

func (s *Store) saveLocked() error {
	records := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	st := stateFile{Version: 1, Records: records}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact store: %w", err)
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write artifact temp: %w", err)
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace artifact state: %w", err)
	}
	return nil
}
