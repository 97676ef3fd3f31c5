package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	fserrors "github.com/fundscope/fundscope/internal/errors"
	"github.com/fundscope/fundscope/internal/textio"
)

// LocalStorage keeps objects as files under a base directory. It serves
// mirrors on a shared or removable disk, and tests.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates the base directory if needed.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("storage: create base directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Upload copies localPath into the store.
func (l *LocalStorage) Upload(ctx context.Context, localPath, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := l.fullPath(key)
	if err != nil {
		return err
	}
	if err := copyFile(localPath, dest); err != nil {
		return fserrors.NewStorageError(fserrors.CodeWriteFailed, "upload "+key, err)
	}
	return nil
}

// Download copies the object to localPath.
func (l *LocalStorage) Download(ctx context.Context, key, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := l.fullPath(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return fserrors.NewStorageError(fserrors.CodeObjectNotFound, "object "+key+" not found", err)
	}
	if err := copyFile(src, localPath); err != nil {
		return fserrors.NewStorageError(fserrors.CodeReadFailed, "download "+key, err)
	}
	return nil
}

// Delete removes the object file.
func (l *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fserrors.NewStorageError(fserrors.CodeWriteFailed, "delete "+key, err)
	}
	return nil
}

// Exists reports whether the object file exists.
func (l *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := l.fullPath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List walks the base directory. Temp files of in-flight writes are skipped.
func (l *LocalStorage) List(ctx context.Context, prefix string) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var objects []Object
	err := filepath.WalkDir(l.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, Object{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %q: %w", prefix, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// fullPath maps a key to a file under the base directory, rejecting keys
// that would escape it.
func (l *LocalStorage) fullPath(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fserrors.NewValidationError(fserrors.CodeInvalidArgument, "storage: empty object key")
	}
	return filepath.Join(l.basePath, filepath.FromSlash(clean[1:])), nil
}

func copyFile(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = textio.WriteFileAtomic(dest, f)
	return err
}
