package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/boardbuilder/internal/logfields"
)

// ProgressFunc receives compile progress. progress is within [0,100] and
// non-decreasing over one Compile call.
type ProgressFunc func(stage string, progress int, message string)

// Compiler discovers circuit sources under a workspace and compiles each
// through its Runner.
type Compiler struct {
	runner          Runner
	includePatterns []string
}

// New creates a Compiler. includePatterns optionally narrows discovery to
// matching doublestar globs.
func New(runner Runner, includePatterns []string) *Compiler {
	return &Compiler{runner: runner, includePatterns: includePatterns}
}

// Compile walks root, compiles every discovered entry point, and returns the
// collected Snapshot. The first compile failure stops the run and yields
// Success=false with the failure recorded; a workspace without circuit sources
// yields Success=true with an empty file list. The returned error is non-nil
// only for failures that should feed the retry policy (the Snapshot still
// describes what happened).
func (c *Compiler) Compile(ctx context.Context, root string, progress ProgressFunc) (*Snapshot, error) {
	if progress == nil {
		progress = func(string, int, string) {}
	}
	start := time.Now()

	sources, err := discoverSources(root, c.includePatterns)
	if err != nil {
		return &Snapshot{Success: false, Files: []CompiledFile{}, Error: err.Error(),
			BuildTimeSeconds: time.Since(start).Seconds()}, err
	}
	progress("discovery", 20, fmt.Sprintf("found %d circuit source file(s)", len(sources)))

	if len(sources) == 0 {
		progress("compile", 100, "no circuit sources found")
		return &Snapshot{Success: true, Files: []CompiledFile{}, BuildTimeSeconds: time.Since(start).Seconds()}, nil
	}

	snapshot := &Snapshot{Success: true, Files: make([]CompiledFile, 0, len(sources))}
	for i, src := range sources {
		progress("compile", 25+int(70*float64(i)/float64(len(sources))), fmt.Sprintf("compiling %s", src))

		compiled, err := c.compileOne(ctx, root, src)
		if err != nil {
			slog.Warn("Circuit compile failed", logfields.Path(src), logfields.Error(err))
			snapshot.Success = false
			snapshot.Error = err.Error()
			snapshot.BuildTimeSeconds = time.Since(start).Seconds()
			return snapshot, err
		}
		snapshot.Files = append(snapshot.Files, compiled)
	}

	snapshot.BuildTimeSeconds = time.Since(start).Seconds()
	progress("compile", 100, fmt.Sprintf("compiled %d file(s)", len(snapshot.Files)))
	return snapshot, nil
}

func (c *Compiler) compileOne(ctx context.Context, root, src string) (CompiledFile, error) {
	files, err := buildFileMap(root, src)
	if err != nil {
		return CompiledFile{}, err
	}

	output, err := c.runner.Compile(ctx, CompileInput{EntryPoint: src, Files: files})
	if err != nil {
		return CompiledFile{}, err
	}

	meta, err := sourceMetadata(root, src, files[src])
	if err != nil {
		return CompiledFile{}, err
	}
	return CompiledFile{
		Path:       src,
		Name:       filepath.Base(src),
		OutputJSON: output,
		Metadata:   meta,
	}, nil
}

func sourceMetadata(root, src, content string) (FileMetadata, error) {
	info, err := os.Stat(filepath.Join(root, filepath.FromSlash(src)))
	if err != nil {
		return FileMetadata{}, err
	}
	sum := sha256.Sum256([]byte(content))
	return FileMetadata{
		SizeBytes: info.Size(),
		ModTime:   info.ModTime().UTC(),
		Checksum:  hex.EncodeToString(sum[:]),
	}, nil
}
