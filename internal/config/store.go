package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrMalformed is returned by Open when the file exists but is not a JSON object.
// The returned store is still usable and holds the defaults.
var ErrMalformed = errors.New("malformed configuration file")

// Store is the persisted configuration document.
type Store struct {
	path string

	mu  sync.Mutex
	doc map[string]any
}

// Open loads the document at path, creating it with the defaults when absent.
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: defaults()}
	err := s.Load()
	if errors.Is(err, os.ErrNotExist) {
		if err := s.Save(); err != nil {
			return s, err
		}
		return s, nil
	}
	return s, err
}

// Path is where the document is persisted.
func (s *Store) Path() string {
	return s.path
}

// Load re-reads the document from disk. Keys missing from the file keep their defaults.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", s.path, err)
	}

	var doc map[string]any
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%w: %s", ErrMalformed, s.path)
	}
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return fmt.Errorf("%w: %s: not an object", ErrMalformed, s.path)
	}

	merged := defaults()
	merge(merged, doc)

	s.mu.Lock()
	s.doc = merged
	s.mu.Unlock()
	return nil
}

// Save replaces the file with the current document.
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return s.write(append(data, '\n'))
}

func (s *Store) write(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock config: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Get returns the value at a dotted key path, or def when the path is absent.
func (s *Store) Get(keyPath string, def any) any {
	data, err := s.bytes()
	if err != nil {
		return def
	}
	res := gjson.GetBytes(data, keyPath)
	if !res.Exists() {
		return def
	}
	return res.Value()
}

// Set writes value at a dotted key path and saves the document.
func (s *Store) Set(keyPath string, value any) error {
	data, err := s.bytes()
	if err != nil {
		return err
	}
	updated, err := sjson.SetBytes(data, keyPath, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", keyPath, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(updated, &doc); err != nil {
		return fmt.Errorf("set %s: %w", keyPath, err)
	}

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return s.Save()
}

// Update merges partial into the document recursively and saves it.
func (s *Store) Update(partial map[string]any) error {
	s.mu.Lock()
	merge(s.doc, partial)
	s.mu.Unlock()
	return s.Save()
}

// Document returns a deep copy of the raw document.
func (s *Store) Document() map[string]any {
	data, err := s.bytes()
	if err != nil {
		return defaults()
	}
	var doc map[string]any
	_ = json.Unmarshal(data, &doc)
	return doc
}

// Redacted returns the document with secrets masked.
func (s *Store) Redacted() map[string]any {
	data, err := s.bytes()
	if err != nil {
		return nil
	}
	for _, key := range secretKeys {
		if gjson.GetBytes(data, key).String() == "" {
			continue
		}
		if masked, err := sjson.SetBytes(data, key, "***"); err == nil {
			data = masked
		}
	}
	var doc map[string]any
	_ = json.Unmarshal(data, &doc)
	return doc
}

// Settings decodes the document and applies environment overrides.
func (s *Store) Settings() (Settings, error) {
	var out Settings
	data, err := s.bytes()
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode settings: %w", err)
	}
	if err := cleanenv.ReadEnv(&out); err != nil {
		return out, fmt.Errorf("read env: %w", err)
	}
	return out, nil
}

// Default decodes the built-in defaults with environment overrides applied.
func Default() (Settings, error) {
	s := &Store{doc: defaults()}
	return s.Settings()
}

func (s *Store) bytes() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(s.doc)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

func defaults() map[string]any {
	var doc map[string]any
	if err := json.Unmarshal([]byte(defaultDocument), &doc); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return doc
}

// merge copies src into dst, descending into objects present on both sides.
func merge(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			merge(dstMap, srcMap)
			continue
		}
		dst[k] = cloneValue(v)
	}
}

// cloneValue copies nested objects and arrays so the document never shares
// them with the caller.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
