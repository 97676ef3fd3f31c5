// Package textio converts the legacy single-byte encoding used by CVM
// publications to UTF-8 and writes text files to the dataset store.
package textio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// Decode converts Windows-1252 bytes to UTF-8. Bytes without a mapping are
// replaced rather than rejected; the second return value reports whether any
// replacement happened so callers can log a decode warning.
func Decode(b []byte) (string, bool) {
	out, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		// The charmap decoder does not fail on bad input; fall back to a lossy
		// byte-wise conversion if it ever does.
		return strings.ToValidUTF8(string(b), string(utf8.RuneError)), true
	}
	s := string(out)
	return s, strings.ContainsRune(s, utf8.RuneError)
}

// NewDecodingReader returns a reader yielding the UTF-8 form of the
// Windows-1252 stream r.
func NewDecodingReader(r io.Reader) io.Reader {
	return transform.NewReader(r, charmap.Windows1252.NewDecoder())
}

// Replacements counts input bytes that had no Windows-1252 mapping and were
// decoded as U+FFFD.
type Replacements struct {
	n int64
}

// Count returns the number of replaced bytes seen so far.
func (r *Replacements) Count() int64 {
	if r == nil {
		return 0
	}
	return r.n
}

// NewCheckedReader is NewDecodingReader that also counts replaced bytes.
// The count is complete once the returned reader hits EOF.
func NewCheckedReader(r io.Reader) (io.Reader, *Replacements) {
	rep := &Replacements{}
	return NewDecodingReader(&countingReader{r: r, rep: rep}), rep
}

type countingReader struct {
	r   io.Reader
	rep *Replacements
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	for _, b := range p[:n] {
		if unmapped(b) {
			c.rep.n++
		}
	}
	return n, err
}

// unmapped reports the five code points Windows-1252 leaves undefined.
func unmapped(b byte) bool {
	switch b {
	case 0x81, 0x8D, 0x8F, 0x90, 0x9D:
		return true
	}
	return false
}

// WriteTextFile writes text to path, creating missing parent directories.
// It is meant for single-writer use and gives no protection against a crash
// mid-write.
func WriteTextFile(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("textio: create parent of %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("textio: write %s: %w", path, err)
	}
	return nil
}

// WriteFileAtomic copies r into a temp file next to path and renames it into
// place once fully written. It returns the number of bytes written.
func WriteFileAtomic(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("textio: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("textio: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return n, fmt.Errorf("textio: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return n, fmt.Errorf("textio: close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return n, fmt.Errorf("textio: rename %s: %w", path, err)
	}
	return n, nil
}
