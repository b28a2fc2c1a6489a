// Package storage defines the vault file-system abstraction.
package storage

import "github.com/starford/waymark/internal/models"

// Provider is the interface for vault file operations. All paths are
// relative to the vault root.
type Provider interface {
	// List returns file info for every .md file under dir.
	List(dir string) ([]models.FileInfo, error)
	// Stat returns file info for a single entity file.
	Stat(path string) (models.FileInfo, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path.
	Write(path string, content []byte) error
	// Delete removes the file at path.
	Delete(path string) error
	// Move renames oldPath to newPath.
	Move(oldPath, newPath string) error
}
