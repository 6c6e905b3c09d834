package receipt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Storage holds uploaded images between the upload and the analyze action
type Storage interface {
	// Stage stores an upload and returns the key to load it with
	Stage(name string, data []byte) (string, error)

	// Load returns a staged upload
	Load(key string) ([]byte, error)

	// Discard removes a staged upload
	Discard(key string) error
}

// DiskStorage stages uploads in a local directory
type DiskStorage struct {
	basePath string
}

// NewDiskStorage creates the staging directory if needed
func NewDiskStorage(basePath string) (*DiskStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &DiskStorage{basePath: basePath}, nil
}

// Stage writes the upload to disk
func (d *DiskStorage) Stage(name string, data []byte) (string, error) {
	key := sanitizeFilename(name)
	if err := os.WriteFile(d.path(key), data, 0600); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return key, nil
}

// Load reads a staged upload
func (d *DiskStorage) Load(key string) ([]byte, error) {
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Discard deletes a staged upload
func (d *DiskStorage) Discard(key string) error {
	if err := os.Remove(d.path(key)); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// path keeps every key inside the staging directory
func (d *DiskStorage) path(key string) string {
	return filepath.Join(d.basePath, filepath.Base(key))
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up phone-generated names: special characters are
// removed and the base name is cut to 50 characters
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if unsafeFilenameChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, "_")
	base = strings.Trim(base, "_ ")

	const maxLen = 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	if base == "" {
		base = "receipt"
	}
	return base + ext
}
