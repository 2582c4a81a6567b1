package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// loadFile best-effort reads a JSON store file into v. A missing, empty or
// corrupt file leaves v untouched so the caller starts from an empty store
// instead of refusing to boot.
func loadFile(path string, v any) bool {
	b, err := os.ReadFile(path)
	if err != nil || len(b) == 0 {
		return false
	}
	return json.Unmarshal(b, v) == nil
}

// saveFile persists v as indented JSON via write-temp-then-rename so a crash
// mid-write never leaves a corrupt store.
func saveFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}
