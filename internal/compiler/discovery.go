package compiler

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"git.home.luguber.info/inful/boardbuilder/internal/errors"
)

// circuitSuffixes are the entry-point filename suffixes the walker selects.
var circuitSuffixes = []string{".circuit.tsx", ".circuit.ts", ".board.tsx"}

// skipDirs are directory basenames never descended into.
var skipDirs = map[string]bool{
	"node_modules": true,
	"dist":         true,
	"build":        true,
	".tscircuit":   true,
}

// sourceExtensions are sibling files pulled into the virtual file map.
var sourceExtensions = map[string]bool{
	".ts":  true,
	".tsx": true,
	".js":  true,
	".jsx": true,
}

const projectManifest = "package.json"

// discoverSources walks root and returns workspace-relative paths of circuit
// entry points, sorted for deterministic compile order. includePatterns, when
// non-empty, further restricts the selection to paths matching at least one
// doublestar glob.
func discoverSources(root string, includePatterns []string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if !isCircuitSource(name) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if len(includePatterns) > 0 && !matchesAny(includePatterns, rel) {
			return nil
		}
		found = append(found, rel)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryCompile, errors.SeverityError, "walk source tree")
	}
	sort.Strings(found)
	return found, nil
}

func isCircuitSource(name string) bool {
	for _, suffix := range circuitSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// buildFileMap resolves one entry point into a virtual file map: the entry
// itself, its sibling source files, and the project manifest when present.
// Keys are workspace-relative slash paths.
func buildFileMap(root, entry string) (map[string]string, error) {
	files := make(map[string]string)

	add := func(rel string) error {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return errors.Wrap(err, errors.CategoryCompile, errors.SeverityError, "read source file").
				WithContext("path", rel)
		}
		files[rel] = string(data)
		return nil
	}

	if err := add(entry); err != nil {
		return nil, err
	}

	dir := filepath.Dir(filepath.FromSlash(entry))
	entries, err := os.ReadDir(filepath.Join(root, dir))
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryCompile, errors.SeverityError, "read source directory").
			WithContext("path", dir)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !sourceExtensions[filepath.Ext(e.Name())] {
			continue
		}
		rel := filepath.ToSlash(filepath.Join(dir, e.Name()))
		if rel == entry {
			continue
		}
		if err := add(rel); err != nil {
			return nil, err
		}
	}

	if _, err := os.Stat(filepath.Join(root, projectManifest)); err == nil {
		if err := add(projectManifest); err != nil {
			return nil, err
		}
	}
	return files, nil
}
