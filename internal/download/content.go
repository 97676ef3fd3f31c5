package download

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	fserrors "github.com/fundscope/fundscope/internal/errors"
	"github.com/fundscope/fundscope/internal/textio"
)

// ContentKind is the closed set of payloads the orchestrator handles.
type ContentKind int

const (
	ContentUnsupported ContentKind = iota
	ContentTabular
	ContentJSON
	ContentZip
)

func (k ContentKind) String() string {
	switch k {
	case ContentTabular:
		return "tabular"
	case ContentJSON:
		return "json"
	case ContentZip:
		return "zip"
	default:
		return "unsupported"
	}
}

// Classify decides the content kind from a Content-Type header. Generic
// binary or missing types fall back to the URL's extension.
func Classify(contentType, rawURL string) ContentKind {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}

	switch {
	case mt == "text/csv", mt == "text/plain", mt == "application/csv",
		mt == "text/comma-separated-values":
		return ContentTabular
	case mt == "application/json", mt == "text/json", strings.HasSuffix(mt, "+json"):
		return ContentJSON
	case mt == "application/zip", mt == "application/x-zip-compressed", mt == "application/x-zip":
		return ContentZip
	case mt == "", mt == "application/octet-stream", mt == "binary/octet-stream":
		return classifyExt(rawURL)
	default:
		return ContentUnsupported
	}
}

func classifyExt(rawURL string) ContentKind {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	switch strings.ToLower(path.Ext(rawURL)) {
	case ".csv", ".txt":
		return ContentTabular
	case ".json":
		return ContentJSON
	case ".zip":
		return ContentZip
	default:
		return ContentUnsupported
	}
}

// isTabularName reports whether an archive entry holds tabular text.
func isTabularName(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv", ".txt":
		return true
	}
	return false
}

// stage collects the outputs of one fetch in a hidden directory under dest
// and moves them into place on commit, so a failed or cancelled task leaves
// no partial files behind.
type stage struct {
	dest  string
	root  string
	files []string
}

func newStage(dest string) (*stage, error) {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, fserrors.NewStorageError(fserrors.CodeWriteFailed, "create "+dest, err)
	}
	root, err := os.MkdirTemp(dest, ".staging-")
	if err != nil {
		return nil, fserrors.NewStorageError(fserrors.CodeWriteFailed, "create staging dir", err)
	}
	return &stage{dest: dest, root: root}, nil
}

func (s *stage) write(rel string, r io.Reader) (int64, error) {
	n, err := textio.WriteFileAtomic(filepath.Join(s.root, rel), r)
	if err != nil {
		return n, err
	}
	s.files = append(s.files, rel)
	return n, nil
}

// spool copies r into an unnamed temp file inside the stage.
func (s *stage) spool(r io.Reader) (*os.File, int64, error) {
	f, err := os.CreateTemp(s.root, ".spool-")
	if err != nil {
		return nil, 0, fserrors.NewStorageError(fserrors.CodeWriteFailed, "create spool file", err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return nil, n, err
	}
	return f, n, nil
}

// commit moves every staged file to its destination and returns the final
// paths.
func (s *stage) commit() ([]string, error) {
	defer os.RemoveAll(s.root)
	paths := make([]string, 0, len(s.files))
	for _, rel := range s.files {
		dst := filepath.Join(s.dest, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return paths, fserrors.NewStorageError(fserrors.CodeWriteFailed, "create "+filepath.Dir(dst), err)
		}
		if err := os.Rename(filepath.Join(s.root, rel), dst); err != nil {
			return paths, fserrors.NewStorageError(fserrors.CodeWriteFailed, "commit "+dst, err)
		}
		paths = append(paths, dst)
	}
	return paths, nil
}

func (s *stage) discard() {
	os.RemoveAll(s.root)
}

// payload is the outcome of writing one response body into a stage.
type payload struct {
	bytes        int64
	replacements int64
}

// writeTabular decodes a Windows-1252 body into one UTF-8 file.
func writeTabular(s *stage, body io.Reader, file string) (payload, error) {
	r, rep := textio.NewCheckedReader(body)
	n, err := s.write(file, r)
	if err != nil {
		return payload{}, err
	}
	return payload{bytes: n, replacements: rep.Count()}, nil
}

// writeJSON validates the body and writes it re-indented.
func writeJSON(s *stage, body io.Reader, file string) (payload, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return payload{}, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", "  "); err != nil {
		return payload{}, fserrors.NewFormatError(fserrors.CodeMalformedJSON, "invalid JSON body", err)
	}
	buf.WriteByte('\n')
	n, err := s.write(file, &buf)
	if err != nil {
		return payload{}, err
	}
	return payload{bytes: n}, nil
}

// extractZip spools the archive and writes every tabular entry, decoded,
// under the stage preserving nested paths. ctx is checked between entries.
func extractZip(ctx context.Context, s *stage, body io.Reader) (payload, error) {
	f, _, err := s.spool(body)
	if err != nil {
		return payload{}, err
	}
	defer func() {
		name := f.Name()
		f.Close()
		os.Remove(name)
	}()

	info, err := f.Stat()
	if err != nil {
		return payload{}, fserrors.NewStorageError(fserrors.CodeReadFailed, "stat spooled archive", err)
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return payload{}, fserrors.NewFormatError(fserrors.CodeCorruptArchive, "open zip archive", err)
	}

	var p payload
	for _, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			return p, err
		}
		if entry.FileInfo().IsDir() || !isTabularName(entry.Name) {
			continue
		}
		rel, ok := entryPath(entry.Name)
		if !ok {
			return p, fserrors.NewFormatError(fserrors.CodeCorruptArchive, fmt.Sprintf("unsafe entry name %q", entry.Name), nil)
		}

		rc, err := entry.Open()
		if err != nil {
			return p, fserrors.NewFormatError(fserrors.CodeCorruptArchive, "open entry "+entry.Name, err)
		}
		r, rep := textio.NewCheckedReader(rc)
		n, err := s.write(rel, r)
		rc.Close()
		if err != nil {
			if ctx.Err() == nil && isArchiveError(err) {
				return p, fserrors.NewFormatError(fserrors.CodeCorruptArchive, "read entry "+entry.Name, err)
			}
			return p, err
		}
		p.bytes += n
		p.replacements += rep.Count()
	}
	return p, nil
}

// entryPath converts an archive entry name into a relative path that cannot
// escape the destination directory.
func entryPath(name string) (string, bool) {
	clean := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", false
	}
	return filepath.FromSlash(clean), true
}

func isArchiveError(err error) bool {
	return strings.Contains(err.Error(), "zip:") || strings.Contains(err.Error(), "flate:")
}
