package fetchcache

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

const testURL = "https://dados.cvm.gov.br/dados/FI/CAD/DADOS/cad_fi.csv"

func newTestCache(t *testing.T) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "index.json"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c, dir
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func responseHeaders(lastModified, etag string) http.Header {
	h := make(http.Header)
	if lastModified != "" {
		h.Set("Last-Modified", lastModified)
	}
	if etag != "" {
		h.Set("ETag", etag)
	}
	return h
}

func TestValidators_NoEntry(t *testing.T) {
	c, _ := newTestCache(t)
	if h := c.Validators(testURL); len(h) != 0 {
		t.Errorf("expected no headers, got %v", h)
	}
}

func TestRecordAndValidators(t *testing.T) {
	c, dir := newTestCache(t)
	target := filepath.Join(dir, "cad", "cad_fi.csv")
	writeFile(t, target)

	lm := "Mon, 01 May 2023 10:00:00 GMT"
	if err := c.Record(testURL, target, responseHeaders(lm, `"abc"`)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	h := c.Validators(testURL)
	if got := h.Get("If-Modified-Since"); got != lm {
		t.Errorf("If-Modified-Since = %q, want %q", got, lm)
	}
	if got := h.Get("If-None-Match"); got != `"abc"` {
		t.Errorf("If-None-Match = %q", got)
	}
}

func TestValidators_MissingTargetFile(t *testing.T) {
	c, dir := newTestCache(t)
	target := filepath.Join(dir, "gone.csv")

	if err := c.Record(testURL, target, responseHeaders("x", "y")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if h := c.Validators(testURL); len(h) != 0 {
		t.Errorf("expected no validators when target is missing, got %v", h)
	}
}

func TestRecord_PersistsAcrossOpen(t *testing.T) {
	c, dir := newTestCache(t)
	target := filepath.Join(dir, "f.csv")
	writeFile(t, target)

	if err := c.Record(testURL, target, responseHeaders("lm", "etag")); err != nil {
		t.Fatalf("Record: %v", err)
	}

	reopened, err := Open(filepath.Join(dir, "index.json"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e, ok := reopened.Entry(testURL)
	if !ok {
		t.Fatal("entry missing after reopen")
	}
	if e.LastModified != "lm" || e.ETag != "etag" || e.Path != target {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestRecord_OnDiskFormat(t *testing.T) {
	c, dir := newTestCache(t)
	if err := c.Record(testURL, "/data/cad_fi.csv", responseHeaders("lm", "tag")); err != nil {
		t.Fatalf("Record: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var raw map[string]map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("index is not a url-keyed map: %v", err)
	}
	if raw[testURL]["ETag"] != "tag" || raw[testURL]["Last-Modified"] != "lm" || raw[testURL]["Path"] != "/data/cad_fi.csv" {
		t.Errorf("unexpected on-disk entry %v", raw[testURL])
	}
}

func TestRecord_IdenticalIsNoop(t *testing.T) {
	c, dir := newTestCache(t)
	index := filepath.Join(dir, "index.json")
	h := responseHeaders("lm", "etag")

	if err := c.Record(testURL, "/p", h); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := os.Remove(index); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := c.Record(testURL, "/p", h); err != nil {
		t.Fatalf("second Record: %v", err)
	}
	if _, err := os.Stat(index); !os.IsNotExist(err) {
		t.Error("identical Record should not rewrite the index")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestRecord_ReplacesEntry(t *testing.T) {
	c, _ := newTestCache(t)
	if err := c.Record(testURL, "/p", responseHeaders("a", "1")); err != nil {
		t.Fatal(err)
	}
	if err := c.Record(testURL, "/p", responseHeaders("b", "")); err != nil {
		t.Fatal(err)
	}
	e, _ := c.Entry(testURL)
	if e.LastModified != "b" || e.ETag != "" {
		t.Errorf("entry not replaced: %+v", e)
	}
}

func TestOpen_CorruptIndex(t *testing.T) {
	dir := t.TempDir()
	index := filepath.Join(dir, "index.json")
	if err := os.WriteFile(index, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Open(index, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("corrupt index should open empty, got %d entries", c.Len())
	}
}

func TestForget(t *testing.T) {
	c, _ := newTestCache(t)
	if err := c.Record(testURL, "/p", responseHeaders("a", "1")); err != nil {
		t.Fatal(err)
	}
	if err := c.Forget(testURL); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, ok := c.Entry(testURL); ok {
		t.Error("entry should be gone")
	}
}
