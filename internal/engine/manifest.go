package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/clinisafe/scrub/internal/faults"
)

const (
	manifestName    = ".scrub-manifest.json"
	manifestVersion = 1
)

// manifest remembers the content hashes of every processed input and
// the output it published. A file is skipped only while both sides
// still match, so editing either one forces a rerun. Paths are stored
// as discovered; moving the input tree reprocesses it.
type manifest struct {
	path    string
	entries map[string]manifestEntry
	dirty   bool
}

type manifestEntry struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

type manifestFile struct {
	Version int                      `json:"version"`
	Inputs  map[string]manifestEntry `json:"inputs"`
}

func newManifest(path string) *manifest {
	return &manifest{path: path, entries: make(map[string]manifestEntry)}
}

func loadManifest(path string) (*manifest, error) {
	m := newManifest(path)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, faults.FileAccess(path, err)
	}

	var mf manifestFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, faults.FileAccess(path, err)
	}
	if mf.Version != manifestVersion {
		return nil, faults.FileAccess(path, fmt.Errorf("manifest version %d not supported", mf.Version))
	}
	if mf.Inputs != nil {
		m.entries = mf.Inputs
	}
	return m, nil
}

func (m *manifest) shouldSkip(input, inputHash, output string) bool {
	entry, ok := m.entries[input]
	if !ok || inputHash == "" || entry.Input != inputHash {
		return false
	}
	outputHash, err := hashFile(output)
	if err != nil {
		return false
	}
	return entry.Output == outputHash
}

func (m *manifest) record(input, inputHash, outputHash string) {
	entry := manifestEntry{Input: inputHash, Output: outputHash}
	if m.entries[input] == entry {
		return
	}
	m.entries[input] = entry
	m.dirty = true
}

func (m *manifest) save() error {
	if !m.dirty {
		return nil
	}

	data, err := json.MarshalIndent(manifestFile{Version: manifestVersion, Inputs: m.entries}, "", "  ")
	if err != nil {
		return faults.FileAccess(m.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return faults.FileAccess(filepath.Dir(m.path), err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return faults.FileAccess(tmp, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return faults.FileAccess(m.path, err)
	}

	m.dirty = false
	return nil
}
