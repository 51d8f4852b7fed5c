// Package fsstate is the thin os-backed file-system collaborator spec.md
// §6 calls for ("pure consumer: open/read/stat"): an implementation of
// assets/construct.FileSystem for the text-document/chunk-container/
// chunked-requests dispatch paths. Nothing in this module wires it in;
// callers pass it as construct.Context.FS themselves. assets/depval keeps its
// own private stat wrapper (it only ever needs a FileSnapshot, not file
// contents); this package is for collaborators that need to read bytes.
package fsstate

import "os"

// OS implements assets/construct.FileSystem by reading directly off disk.
type OS struct{}

// ReadFile reads the full contents of path.
func (OS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Exists reports whether path can be stat'd successfully.
func (OS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
