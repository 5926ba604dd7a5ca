package script

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Source is a script, ready to run.
type Source struct {
	Name string
	Code string
}

// Loader resolves entry references, e.g. the entry of a timed task, to
// source. Missing entries must be reported as [ErrNoEntry].
type Loader interface {
	Load(entry string) (Source, error)
}

// DirLoader loads scripts from a directory. Entries are slash-separated
// paths, relative to the directory, and may omit the ".js" extension.
type DirLoader struct {
	Dir string
}

func (x DirLoader) Load(entry string) (Source, error) {
	name, ok := cleanEntry(entry)
	if !ok {
		return Source{}, fmt.Errorf("%w: %q", ErrNoEntry, entry)
	}
	for _, candidate := range candidates(name) {
		b, err := os.ReadFile(filepath.Join(x.Dir, filepath.FromSlash(candidate)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			// e.g. a directory
			if info, statErr := os.Stat(filepath.Join(x.Dir, filepath.FromSlash(candidate))); statErr == nil && info.IsDir() {
				continue
			}
			return Source{}, fmt.Errorf("script: load %q: %w", entry, err)
		}
		return Source{Name: candidate, Code: string(b)}, nil
	}
	return Source{}, fmt.Errorf("%w: %q", ErrNoEntry, entry)
}

// MapLoader serves scripts from memory, keyed by entry.
type MapLoader map[string]string

func (x MapLoader) Load(entry string) (Source, error) {
	name, ok := cleanEntry(entry)
	if !ok {
		return Source{}, fmt.Errorf("%w: %q", ErrNoEntry, entry)
	}
	for _, candidate := range candidates(name) {
		if code, ok := x[candidate]; ok {
			return Source{Name: candidate, Code: code}, nil
		}
	}
	return Source{}, fmt.Errorf("%w: %q", ErrNoEntry, entry)
}

// cleanEntry normalises entry, rejecting those outside the root.
func cleanEntry(entry string) (string, bool) {
	entry = strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(entry, `\`, "/")), "/")
	if entry == "" || entry == "." || !filepath.IsLocal(filepath.FromSlash(entry)) {
		return "", false
	}
	return entry, true
}

func candidates(name string) []string {
	if strings.HasSuffix(name, ".js") || strings.HasSuffix(name, ".json") {
		return []string{name}
	}
	return []string{name, name + ".js"}
}
