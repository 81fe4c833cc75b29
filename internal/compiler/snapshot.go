// Package compiler turns a fetched source tree into per-file circuit JSON.
// Discovery selects circuit entry points, each entry point is compiled through
// a Runner, and the results are collected into a Snapshot.
package compiler

import (
	"encoding/json"
	"time"
)

// FileMetadata describes the source file an output was compiled from.
type FileMetadata struct {
	SizeBytes int64     `json:"size"`
	ModTime   time.Time `json:"mtime"`
	Checksum  string    `json:"checksum"` // sha-256 of the source, hex
}

// CompiledFile is one entry point's compile result.
type CompiledFile struct {
	Path       string          `json:"path"` // workspace-relative
	Name       string          `json:"name"` // basename
	OutputJSON json.RawMessage `json:"output_json,omitempty"`
	Metadata   FileMetadata    `json:"metadata"`
}

// Snapshot is the structured result for a whole deployment. A Snapshot with
// Success=false carries the first compile failure in Error; Files holds
// whatever compiled before the failure.
type Snapshot struct {
	Success          bool           `json:"success"`
	Files            []CompiledFile `json:"files"`
	BuildTimeSeconds float64        `json:"build_time_seconds"`
	Error            string         `json:"error,omitempty"`
}

// MetadataOnly returns a copy of the snapshot with per-file payloads removed,
// suitable for persisting on the deployment row. The artifact table is the
// authoritative home for output JSON.
func (s *Snapshot) MetadataOnly() *Snapshot {
	out := &Snapshot{
		Success:          s.Success,
		BuildTimeSeconds: s.BuildTimeSeconds,
		Error:            s.Error,
		Files:            make([]CompiledFile, len(s.Files)),
	}
	for i, f := range s.Files {
		out.Files[i] = CompiledFile{Path: f.Path, Name: f.Name, Metadata: f.Metadata}
	}
	return out
}
