// Package storage abstracts the object stores the dataset mirror is kept in.
package storage

import (
	"context"
	"time"

	fserrors "github.com/fundscope/fundscope/internal/errors"
)

// Common errors for storage operations. They match with errors.Is on
// category and code, so wrapped variants carrying a cause still match.
var (
	ErrObjectNotFound = fserrors.NewStorageError(fserrors.CodeObjectNotFound, "object not found", nil)
	ErrUploadFailed   = fserrors.NewStorageError(fserrors.CodeWriteFailed, "upload failed", nil)
	ErrDownloadFailed = fserrors.NewStorageError(fserrors.CodeReadFailed, "download failed", nil)
)

// Object describes one stored object.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// ObjectStorage is a flat key/value store of files. Keys use forward
// slashes.
type ObjectStorage interface {
	// Upload stores the file at localPath under key, replacing any object.
	Upload(ctx context.Context, localPath, key string) error

	// Download writes the object to localPath, creating parent directories.
	// A failed download leaves no file at localPath.
	Download(ctx context.Context, key, localPath string) error

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Object, error)
}
