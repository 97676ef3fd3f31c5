package download

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	fserrors "github.com/fundscope/fundscope/internal/errors"
	"github.com/fundscope/fundscope/internal/fetchcache"
	"github.com/fundscope/fundscope/internal/observability"
)

func newTestOrchestrator(t *testing.T, concurrency int) (*Orchestrator, *fetchcache.Cache) {
	t.Helper()
	cache, err := fetchcache.Open(filepath.Join(t.TempDir(), "index.json"), observability.Discard())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	o := New(http.DefaultClient, cache, Options{
		Concurrency: concurrency,
		Logger:      observability.Discard(),
		Metrics:     observability.NewMetrics(nil),
	})
	return o, cache
}

func runCollect(o *Orchestrator, ctx context.Context, tasks []*Task) (*BatchResult, []Event) {
	events := make(chan Event, 16*len(tasks)+4)
	res := o.Run(ctx, tasks, events)
	close(events)
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return res, out
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestRun_TabularDecodedAndCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv; charset=ISO-8859-1")
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("CNPJ_FUNDO;DENOM_SOCIAL\n00.000.000/0001-91;FUNDO DE A\xc7\xd5ES\n"))
	}))
	defer srv.Close()

	o, cache := newTestOrchestrator(t, 2)
	dir := filepath.Join(t.TempDir(), "cad")
	task := NewTask("cad", "", srv.URL+"/cad_fi.csv", dir, "")

	res, events := runCollect(o, context.Background(), []*Task{task})
	if res.Done != 1 || task.Status != StatusDone {
		t.Fatalf("status = %v (%s)", task.Status, task.Message)
	}
	got := readFile(t, filepath.Join(dir, "cad_fi.csv"))
	if !strings.Contains(got, "FUNDO DE AÇÕES") {
		t.Errorf("file not decoded: %q", got)
	}
	e, ok := cache.Entry(task.URL)
	if !ok || e.ETag != `"v1"` || e.Path != filepath.Join(dir, "cad_fi.csv") {
		t.Errorf("cache entry = %+v, %v", e, ok)
	}

	if len(events) != 4 {
		t.Fatalf("got %d events, want 4: %#v", len(events), events)
	}
	if ev, ok := events[0].(TaskEvent); !ok || ev.Status != StatusInProgress {
		t.Errorf("first event = %#v", events[0])
	}
	if ev, ok := events[2].(Progress); !ok || ev.Completed != 1 || ev.Total != 1 {
		t.Errorf("progress event = %#v", events[2])
	}
	if _, ok := events[3].(BatchDone); !ok {
		t.Errorf("last event = %#v", events[3])
	}
}

func TestRun_NotModifiedDoesNotRewrite(t *testing.T) {
	var full atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		full.Add(1)
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("A;B\n1;2\n"))
	}))
	defer srv.Close()

	o, _ := newTestOrchestrator(t, 1)
	dir := t.TempDir()
	url := srv.URL + "/cad_fi.csv"

	first, _ := runCollect(o, context.Background(), []*Task{NewTask("cad", "", url, dir, "")})
	if first.Done != 1 {
		t.Fatalf("first run failed: %+v", first.Tasks[0])
	}
	path := filepath.Join(dir, "cad_fi.csv")
	if err := os.WriteFile(path, []byte("local edit"), 0644); err != nil {
		t.Fatal(err)
	}

	task := NewTask("cad", "", url, dir, "")
	second, _ := runCollect(o, context.Background(), []*Task{task})
	if second.NotModified != 1 || !task.NotModified || task.Status != StatusDone {
		t.Errorf("second run = %+v, task message %q", second, task.Message)
	}
	if got := readFile(t, path); got != "local edit" {
		t.Errorf("304 rewrote the target: %q", got)
	}
	if full.Load() != 1 {
		t.Errorf("full downloads = %d, want 1", full.Load())
	}
}

func TestRun_MissingTargetFetchesUnconditionally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("A\n1\n"))
	}))
	defer srv.Close()

	o, _ := newTestOrchestrator(t, 1)
	dir := t.TempDir()
	url := srv.URL + "/cad_fi.csv"
	runCollect(o, context.Background(), []*Task{NewTask("cad", "", url, dir, "")})
	os.Remove(filepath.Join(dir, "cad_fi.csv"))

	task := NewTask("cad", "", url, dir, "")
	runCollect(o, context.Background(), []*Task{task})
	if task.NotModified {
		t.Error("deleted target should not be revalidated")
	}
	if readFile(t, filepath.Join(dir, "cad_fi.csv")) != "A\n1\n" {
		t.Error("target not restored")
	}
}

func TestRun_JSONReindentedAndMalformedFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if strings.HasSuffix(r.URL.Path, "bad.json") {
			w.Write([]byte(`[{"data": "02/01/2024",`))
			return
		}
		w.Write([]byte(`[{"data":"02/01/2024","valor":"0.043739"}]`))
	}))
	defer srv.Close()

	o, _ := newTestOrchestrator(t, 2)
	dir := t.TempDir()
	good := NewTask("cdi", "", srv.URL+"/dados?formato=json", dir, "cdi.json")
	bad := NewTask("cdi", "", srv.URL+"/bad.json", dir, "")

	res, _ := runCollect(o, context.Background(), []*Task{good, bad})
	if good.Status != StatusDone {
		t.Fatalf("good task: %s", good.Message)
	}
	if got := readFile(t, filepath.Join(dir, "cdi.json")); !strings.Contains(got, "\n  {\n") {
		t.Errorf("json not re-indented: %q", got)
	}
	if bad.Status != StatusFailed || fserrors.GetCode(bad.Err) != fserrors.CodeMalformedJSON {
		t.Errorf("bad task = %v %v", bad.Status, bad.Err)
	}
	if _, err := os.Stat(filepath.Join(dir, "bad.json")); !os.IsNotExist(err) {
		t.Error("malformed JSON should not be written")
	}
	if res.Done != 1 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_ZipExtractsTabularEntries(t *testing.T) {
	archive := buildZip(t, map[string]string{
		"inf_diario_fi_202401.csv":     "CNPJ_FUNDO;VL_QUOTA\n1;10,5\n",
		"sub/dir/cda_fi_PL_202401.csv": "CNPJ_FUNDO;DENOM_SOCIAL\n1;GR\xc3O\n",
		"leia-me.pdf":                  "%PDF",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write(archive)
	}))
	defer srv.Close()

	o, cache := newTestOrchestrator(t, 1)
	dir := filepath.Join(t.TempDir(), "informe", "2024", "01")
	task := NewTask("informe", "", srv.URL+"/inf_diario_fi_202401.zip", dir, "")

	runCollect(o, context.Background(), []*Task{task})
	if task.Status != StatusDone {
		t.Fatalf("status = %v: %s", task.Status, task.Message)
	}
	if len(task.Files) != 2 {
		t.Errorf("files = %v, want 2 tabular entries", task.Files)
	}
	if got := readFile(t, filepath.Join(dir, "sub", "dir", "cda_fi_PL_202401.csv")); !strings.Contains(got, "GRÃO") {
		t.Errorf("nested entry not decoded: %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "leia-me.pdf")); !os.IsNotExist(err) {
		t.Error("non-tabular entry should be skipped")
	}
	if e, ok := cache.Entry(task.URL); !ok || e.Path != dir {
		t.Errorf("zip cache entry = %+v", e)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("staging leftovers: %s", e.Name())
		}
	}
}

func TestRun_CorruptZipAndUnsupportedFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".zip") {
			w.Header().Set("Content-Type", "application/zip")
			w.Write([]byte("not a zip archive"))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer srv.Close()

	o, _ := newTestOrchestrator(t, 2)
	dir := t.TempDir()
	corrupt := NewTask("x", "", srv.URL+"/a.zip", dir, "")
	png := NewTask("x", "", srv.URL+"/logo.png", dir, "")

	runCollect(o, context.Background(), []*Task{corrupt, png})
	if fserrors.GetCode(corrupt.Err) != fserrors.CodeCorruptArchive {
		t.Errorf("corrupt zip err = %v", corrupt.Err)
	}
	if fserrors.GetCode(png.Err) != fserrors.CodeUnsupportedContent {
		t.Errorf("png err = %v", png.Err)
	}
}

func TestRun_FailureDoesNotAbortSiblings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "broken") {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte("A\n1\n"))
	}))
	defer srv.Close()

	o, _ := newTestOrchestrator(t, 2)
	dir := t.TempDir()
	var tasks []*Task
	for _, name := range []string{"a.csv", "broken.csv", "b.csv", "c.csv"} {
		tasks = append(tasks, NewTask("x", "", srv.URL+"/"+name, dir, ""))
	}

	res, _ := runCollect(o, context.Background(), tasks)
	if res.Done != 3 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	failed := res.Failures()[0]
	if fserrors.GetCode(failed.Err) != fserrors.CodeHTTPStatus || !fserrors.IsRetryable(failed.Err) {
		t.Errorf("failure err = %v", failed.Err)
	}
}

func TestRun_ConcurrencyCap(t *testing.T) {
	var current, maxSeen atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte("A\n1\n"))
	}))
	defer srv.Close()

	const limit = 3
	o, _ := newTestOrchestrator(t, limit)
	dir := t.TempDir()
	var tasks []*Task
	for i := 0; i < 12; i++ {
		tasks = append(tasks, NewTask("x", "", srv.URL+"/f"+string(rune('a'+i))+".csv", dir, ""))
	}

	res, _ := runCollect(o, context.Background(), tasks)
	if res.Done != 12 {
		t.Fatalf("done = %d", res.Done)
	}
	if maxSeen.Load() > limit {
		t.Errorf("server saw %d concurrent requests, cap is %d", maxSeen.Load(), limit)
	}
	if res.PeakInFlight > limit || res.PeakInFlight < 1 {
		t.Errorf("peak in flight = %d", res.PeakInFlight)
	}
}

func TestRun_CancellationNeverCompletes(t *testing.T) {
	started := make(chan struct{}, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("A;B\n"))
		w.(http.Flusher).Flush()
		started <- struct{}{}
		<-r.Context().Done()
	}))
	defer srv.Close()

	o, _ := newTestOrchestrator(t, 2)
	dir := t.TempDir()
	var tasks []*Task
	for i := 0; i < 6; i++ {
		tasks = append(tasks, NewTask("x", "", srv.URL+"/c"+string(rune('a'+i))+".csv", dir, ""))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		<-started
		cancel()
	}()

	res, events := runCollect(o, ctx, tasks)
	if res.Done != 0 || res.Cancelled != 6 {
		t.Fatalf("result = %+v", res)
	}
	for _, task := range tasks {
		if task.Status != StatusCancelled || !fserrors.IsCancellation(task.Err) {
			t.Errorf("task %s: %v %v", task.URL, task.Status, task.Err)
		}
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.csv"))
	if len(matches) != 0 {
		t.Errorf("cancelled tasks left files: %v", matches)
	}
	if _, ok := events[len(events)-1].(BatchDone); !ok {
		t.Errorf("batch should still end with BatchDone, got %#v", events[len(events)-1])
	}
}

func TestRun_AlreadyCancelledContext(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := []*Task{NewTask("x", "", "http://127.0.0.1:1/a.csv", t.TempDir(), "")}
	res, _ := runCollect(o, ctx, tasks)
	if res.Cancelled != 1 || tasks[0].Message != "cancelled before start" {
		t.Errorf("result = %+v, message %q", res, tasks[0].Message)
	}
}

func TestRun_HistoricalFallbackFetchedOnce(t *testing.T) {
	archive := buildZip(t, map[string]string{
		"inf_diario_fi_202301.csv": "CNPJ_FUNDO\n1\n",
		"inf_diario_fi_202302.csv": "CNPJ_FUNDO\n2\n",
	})
	var histHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/HIST/") {
			histHits.Add(1)
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(archive)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	o, _ := newTestOrchestrator(t, 4)
	base := t.TempDir()
	var tasks []*Task
	for _, m := range []string{"01", "02"} {
		task := NewTask("informe", "", srv.URL+"/inf_diario_fi_2023"+m+".zip", filepath.Join(base, "2023", m), "")
		task.FallbackURL = srv.URL + "/HIST/inf_diario_fi_2023.zip"
		task.FallbackDir = filepath.Join(base, "hist", "2023")
		tasks = append(tasks, task)
	}

	res, _ := runCollect(o, context.Background(), tasks)
	if res.Done != 2 {
		t.Fatalf("result = %+v: %s / %s", res, tasks[0].Message, tasks[1].Message)
	}
	if histHits.Load() != 1 {
		t.Errorf("historical archive fetched %d times, want 1", histHits.Load())
	}
	for _, task := range tasks {
		if !task.UsedFallback {
			t.Errorf("%s did not use fallback", task.URL)
		}
	}
	if got := readFile(t, filepath.Join(base, "hist", "2023", "inf_diario_fi_202302.csv")); got != "CNPJ_FUNDO\n2\n" {
		t.Errorf("fallback content = %q", got)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func stubResponse(r *http.Request, status int, contentType string, body io.Reader) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{contentType}},
		Body:       io.NopCloser(body),
		Request:    r,
	}
}

// eofHook calls onEOF once the wrapped reader is exhausted.
type eofHook struct {
	r     io.Reader
	onEOF func()
}

func (h *eofHook) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if err == io.EOF && h.onEOF != nil {
		h.onEOF()
		h.onEOF = nil
	}
	return n, err
}

func TestRun_CancelledResponseNeverCompletes(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusNotModified} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			archive := buildZip(t, map[string]string{"inf_diario_fi_202301.csv": "CNPJ_FUNDO\n1\n"})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
				switch {
				case strings.Contains(r.URL.Path, "/HIST/"):
					return stubResponse(r, http.StatusOK, "application/zip", bytes.NewReader(archive)), nil
				case strings.HasSuffix(r.URL.Path, "202302.zip"):
					cancel()
					return stubResponse(r, status, "text/plain", strings.NewReader("")), nil
				default:
					return stubResponse(r, http.StatusNotFound, "text/plain", strings.NewReader("")), nil
				}
			})}
			o := New(client, nil, Options{Concurrency: 1, Logger: observability.Discard()})

			base := t.TempDir()
			var tasks []*Task
			for _, m := range []string{"01", "02"} {
				task := NewTask("informe", "", "http://cvm.test/inf_diario_fi_2023"+m+".zip", filepath.Join(base, "2023", m), "")
				task.FallbackURL = "http://cvm.test/HIST/inf_diario_fi_2023.zip"
				task.FallbackDir = filepath.Join(base, "hist", "2023")
				tasks = append(tasks, task)
			}

			res, _ := runCollect(o, ctx, tasks)
			if tasks[0].Status != StatusDone || !tasks[0].UsedFallback {
				t.Fatalf("first task = %v: %s", tasks[0].Status, tasks[0].Message)
			}
			second := tasks[1]
			if second.Status != StatusCancelled || !fserrors.IsCancellation(second.Err) {
				t.Errorf("second task = %v %v: %s", second.Status, second.Err, second.Message)
			}
			if second.NotModified || len(second.Files) != 0 {
				t.Errorf("cancelled task reported content: not_modified=%v files=%v", second.NotModified, second.Files)
			}
			if res.Done != 1 || res.Cancelled != 1 || res.Failed != 0 {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestRun_ZipCancelledAtEndOfBody(t *testing.T) {
	archive := buildZip(t, map[string]string{
		"inf_diario_fi_202401.csv": "CNPJ_FUNDO\n1\n",
		"cda_fi_PL_202401.csv":     "CNPJ_FUNDO\n2\n",
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return stubResponse(r, http.StatusOK, "application/zip", &eofHook{r: bytes.NewReader(archive), onEOF: cancel}), nil
	})}
	o := New(client, nil, Options{Concurrency: 1, Logger: observability.Discard()})

	dir := filepath.Join(t.TempDir(), "informe", "2024", "01")
	task := NewTask("informe", "", "http://cvm.test/inf_diario_fi_202401.zip", dir, "")
	res, _ := runCollect(o, ctx, []*Task{task})

	if task.Status != StatusCancelled || !fserrors.IsCancellation(task.Err) {
		t.Fatalf("task = %v %v: %s", task.Status, task.Err, task.Message)
	}
	if res.Cancelled != 1 {
		t.Errorf("result = %+v", res)
	}
	var written []string
	filepath.WalkDir(filepath.Dir(dir), func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(path, ".csv") {
			written = append(written, path)
		}
		return nil
	})
	if len(written) != 0 {
		t.Errorf("cancelled archive left files: %v", written)
	}
}

func TestRun_HistoricalTargetSharesFallbackFetch(t *testing.T) {
	archive := buildZip(t, map[string]string{"inf_diario_fi_202301.csv": "CNPJ_FUNDO\n1\n"})
	var histHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/HIST/") {
			histHits.Add(1)
			w.Header().Set("Content-Type", "application/zip")
			w.Write(archive)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	histURL := srv.URL + "/HIST/inf_diario_fi_2023.zip"
	base := t.TempDir()
	histDir := filepath.Join(base, "hist", "2023")

	for _, concurrency := range []int{1, 4} {
		histHits.Store(0)
		o, _ := newTestOrchestrator(t, concurrency)
		direct := NewTask("informe", "", histURL, histDir, "")
		tasks := []*Task{direct}
		for _, m := range []string{"01", "02", "03"} {
			task := NewTask("informe", "", srv.URL+"/inf_diario_fi_2023"+m+".zip", filepath.Join(base, "2023", m), "")
			task.FallbackURL = histURL
			task.FallbackDir = histDir
			tasks = append(tasks, task)
		}

		res, _ := runCollect(o, context.Background(), tasks)
		if res.Done != 4 {
			t.Fatalf("concurrency %d: result = %+v", concurrency, res)
		}
		if histHits.Load() != 1 {
			t.Errorf("concurrency %d: archive fetched %d times, want 1", concurrency, histHits.Load())
		}
		if direct.UsedFallback || len(direct.Files) != 1 {
			t.Errorf("direct task = fallback %v, files %v", direct.UsedFallback, direct.Files)
		}
	}
}

func TestRun_ProgressMonotonicAndSingleBatchDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("A\n"))
	}))
	defer srv.Close()

	o, _ := newTestOrchestrator(t, 4)
	dir := t.TempDir()
	var tasks []*Task
	for i := 0; i < 10; i++ {
		tasks = append(tasks, NewTask("x", "", srv.URL+"/p"+string(rune('a'+i))+".txt", dir, ""))
	}

	_, events := runCollect(o, context.Background(), tasks)
	last, batchDone := 0, 0
	for _, ev := range events {
		switch e := ev.(type) {
		case Progress:
			if e.Completed != last+1 || e.Total != 10 {
				t.Errorf("progress %d/%d after %d", e.Completed, e.Total, last)
			}
			last = e.Completed
		case BatchDone:
			batchDone++
			if last != 10 || e.Done != 10 {
				t.Errorf("batch done %+v after %d", e, last)
			}
		}
	}
	if batchDone != 1 {
		t.Errorf("got %d BatchDone events, want 1", batchDone)
	}
}

func TestRun_EmptyBatch(t *testing.T) {
	o, _ := newTestOrchestrator(t, 1)
	events := make(chan Event, 1)
	res := o.Run(context.Background(), nil, events)
	if len(res.Tasks) != 0 {
		t.Errorf("tasks = %d", len(res.Tasks))
	}
	if ev := <-events; ev != (BatchDone{}) {
		t.Errorf("event = %#v", ev)
	}
}

type memHistory struct {
	mu   sync.Mutex
	recs []Record
}

func (m *memHistory) RecordDownload(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func TestRun_RecordsHistoryAndReplacements(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte("A\nx\x81y\n"))
	}))
	defer srv.Close()

	hist := &memHistory{}
	o := New(nil, nil, Options{Logger: observability.Discard(), History: hist})
	task := NewTask("cad", "", srv.URL+"/cad_fi.csv", t.TempDir(), "")
	o.Run(context.Background(), []*Task{task}, nil)

	if task.Replacements != 1 {
		t.Errorf("replacements = %d, want 1", task.Replacements)
	}
	if len(hist.recs) != 1 || hist.recs[0].Status != "done" || hist.recs[0].ID != task.ID.String() {
		t.Errorf("history = %+v", hist.recs)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		contentType string
		url         string
		want        ContentKind
	}{
		{"text/csv; charset=ISO-8859-1", "https://x/cad_fi.csv", ContentTabular},
		{"text/plain", "https://x/a", ContentTabular},
		{"application/json;charset=utf-8", "https://x/chart", ContentJSON},
		{"application/vnd.api+json", "https://x/a", ContentJSON},
		{"application/zip", "https://x/a", ContentZip},
		{"application/x-zip-compressed", "https://x/a", ContentZip},
		{"application/octet-stream", "https://x/inf_diario_fi_202401.zip", ContentZip},
		{"application/octet-stream", "https://x/data.json?x=1", ContentJSON},
		{"", "https://x/cad_fi.CSV", ContentTabular},
		{"application/octet-stream", "https://x/file.bin", ContentUnsupported},
		{"text/html", "https://x/a.csv", ContentUnsupported},
	}
	for _, tt := range tests {
		if got := Classify(tt.contentType, tt.url); got != tt.want {
			t.Errorf("Classify(%q, %q) = %v, want %v", tt.contentType, tt.url, got, tt.want)
		}
	}
}

func TestStatus(t *testing.T) {
	if StatusQueued.Terminal() || StatusInProgress.Terminal() {
		t.Error("queued and in-progress are not terminal")
	}
	for _, s := range []Status{StatusDone, StatusCancelled, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
	if StatusFailed.String() != "failed" {
		t.Errorf("String() = %s", StatusFailed)
	}
}
