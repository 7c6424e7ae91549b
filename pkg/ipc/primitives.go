package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CloseSentinel is the filename of the zero-byte file that signals a
// container's input mailbox should be treated as closed.
const CloseSentinel = "_close"

// Entry is one drained mailbox file: its decoded payload and the
// filename it was published under (useful for correlating quarantine
// moves with the original entry in logs).
type Entry struct {
	Data     json.RawMessage
	Filename string
}

// Write atomically publishes obj as a JSON file under dir, named
// "<prefix><epoch_ms>-<8 hex>.json". It ensures dir exists, writes the
// payload to a dotfile-prefixed ".tmp" sibling, then renames it into
// place. Rename is the publication point a reader can observe, so no
// reader ever sees a partial write. It returns the final path.
func Write(dir string, obj interface{}, prefix string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure dir %s: %w", dir, err)
	}

	suffix := uuid.New().String()[:8]
	name := fmt.Sprintf("%s%d-%s.json", prefix, time.Now().UnixMilli(), suffix)

	data, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal ipc payload: %w", err)
	}

	finalPath := filepath.Join(dir, name)
	tmpPath := filepath.Join(dir, "."+name+".tmp")

	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return "", fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("publish %s: %w", finalPath, err)
	}

	return finalPath, nil
}

// WriteClose creates the zero-byte close sentinel in dir.
func WriteClose(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, CloseSentinel)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write close sentinel %s: %w", path, err)
	}
	return f.Close()
}

// Read parses the JSON document at path. Any failure (missing file,
// invalid JSON) returns ok=false. Callers must tolerate an absent
// result rather than treat it as fatal, since mailbox readers race
// writers and retried drains.
func Read(path string) (data json.RawMessage, ok bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return json.RawMessage(raw), true
}

// FilterFunc decides whether a candidate filename should be drained.
// Returning false skips the entry without deleting it.
type FilterFunc func(filename string) bool

// Drain lists dir, ignoring non-".json" files, dotfiles, and anything a
// non-nil filter rejects, then reads and deletes each remaining file in
// ascending filename order (filenames sort by creation time, giving
// FIFO-by-creation delivery). A file that fails to parse is left in
// place so a later drain can retry it; a file that parses but fails to
// delete is still returned (best-effort cleanup: the caller has already
// consumed it). A missing dir yields an empty, non-error result.
func Drain(dir string, filter FilterFunc) ([]Entry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		if filter != nil && !filter(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]Entry, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, ok := Read(path)
		if !ok {
			// Parse failure: leave it for the next drain to retry.
			continue
		}
		// Best-effort delete: the entry is already consumed, so a
		// delete failure is ignored and the entry is still returned.
		_ = os.Remove(path)
		result = append(result, Entry{Data: data, Filename: name})
	}

	return result, nil
}
