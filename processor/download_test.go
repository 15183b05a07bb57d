package processor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/forensicweb/downloader/download"
	derrors "github.com/forensicweb/downloader/processor/errors"
	"github.com/forensicweb/downloader/processor/filestorage"
	"github.com/forensicweb/downloader/processor/mimetype"
	"github.com/forensicweb/downloader/storage"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLimits = Limits{
	MaxSize:          8 << 20,
	MinSize:          1024,
	ChunkSize:        64 << 10,
	ProgressInterval: 256 << 10,
	SoftTimeout:      10 * time.Second,
	HardTimeout:      20 * time.Second,
	MaxRedirects:     3,
}

// recordingStore remembers every saved version of every record.
type recordingStore struct {
	storage.Store

	mu    sync.Mutex
	saves []download.Record
}

func (s *recordingStore) SaveRecord(r *download.Record) error {
	s.mu.Lock()
	s.saves = append(s.saves, *r)
	s.mu.Unlock()
	return s.Store.SaveRecord(r)
}

func (s *recordingStore) history(id string) []download.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var h []download.Record
	for _, r := range s.saves {
		if r.ID == id {
			h = append(h, r)
		}
	}
	return h
}

func newTestProcessor(t *testing.T) (*Processor, *recordingStore) {
	store := &recordingStore{Store: storage.NewMemory()}
	p, err := New(store, 20*time.Millisecond, t.TempDir(), log.NewNopLogger())
	require.NoError(t, err)
	p.Limits = testLimits
	return p, store
}

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	s := httptest.NewServer(handler)
	t.Cleanup(s.Close)
	return s
}

// pending saves and returns a fresh PENDING record for url.
func pending(t *testing.T, s storage.Store, url string) download.Record {
	r := download.New(uuid.NewString(), download.Request{URL: url}, "alice", time.Now())
	require.NoError(t, s.SaveRecord(&r))
	return r
}

func payload(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func sha(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func serve(body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}
}

// stall sends a few bytes and then hangs until the client goes away.
func stall(sent chan<- struct{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.Write(payload(4096))
		w.(http.Flusher).Flush()
		if sent != nil {
			close(sent)
		}
		<-r.Context().Done()
	}
}

func assertNoFile(t *testing.T, path string) {
	t.Helper()
	require.NotEmpty(t, path)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "expected %s to be removed, stat: %v", path, err)
}

func assertFailed(t *testing.T, s storage.Store, r download.Record, kind derrors.Kind, contains string) {
	t.Helper()
	assert.Equal(t, download.StateError, r.State)
	assert.Contains(t, r.ErrorMessage, kind.String())
	assert.Contains(t, r.ErrorMessage, contains)
	assert.Empty(t, r.Digest)
	assert.False(t, r.CompletedAt.IsZero())
	assertNoFile(t, r.FilePath)

	stored, err := s.GetRecord(r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.State, stored.State)
	assert.Equal(t, r.ErrorMessage, stored.ErrorMessage)
}

func TestDownloadCompleted(t *testing.T) {
	p, store := newTestProcessor(t)
	body := payload(5000000)
	srv := newServer(t, serve(body))

	rec := pending(t, store, srv.URL+"/ok.bin")
	got := p.download(context.Background(), rec, nil)

	assert.Equal(t, download.StateCompleted, got.State)
	assert.Equal(t, int64(5000000), got.DownloadedBytes)
	assert.Equal(t, int64(5000000), got.TotalBytes)
	assert.Len(t, got.Digest, 64)
	assert.Equal(t, sha(body), got.Digest)
	assert.Equal(t, filepath.Join(p.StorageDir, rec.ID[:2], rec.ID), got.FilePath)
	assert.False(t, got.StartedAt.IsZero())
	assert.False(t, got.CompletedAt.IsZero())
	assert.Empty(t, got.ErrorMessage)

	onDisk, err := os.ReadFile(got.FilePath)
	require.NoError(t, err)
	assert.Equal(t, got.Digest, sha(onDisk))

	stored, err := store.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, got, stored)

	ev, err := store.PopEvent()
	require.NoError(t, err)
	assert.Equal(t, rec.ID, ev.ID)
}

func TestDownloadHeaders(t *testing.T) {
	p, store := newTestProcessor(t)
	p.UserAgent = "ForensicWeb-Downloader/1.0"
	p.RequestHeaders = map[string]string{"X-Case": "4711"}

	headers := make(chan http.Header, 1)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header
		serve(payload(2048))(w, r)
	})

	got := p.download(context.Background(), pending(t, store, srv.URL), nil)
	require.Equal(t, download.StateCompleted, got.State)

	h := <-headers
	assert.Equal(t, "ForensicWeb-Downloader/1.0", h.Get("User-Agent"))
	assert.Equal(t, "4711", h.Get("X-Case"))
}

func TestDownloadNotFound(t *testing.T) {
	p, store := newTestProcessor(t)
	srv := newServer(t, http.NotFound)

	got := p.download(context.Background(), pending(t, store, srv.URL+"/missing"), nil)
	assertFailed(t, store, got, derrors.Unreachable, "404")
}

func TestDownloadUnreachable(t *testing.T) {
	p, store := newTestProcessor(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	got := p.download(context.Background(), pending(t, store, url), nil)
	assertFailed(t, store, got, derrors.Unreachable, "requesting")
}

func TestDownloadDeclaredSizeAboveCeiling(t *testing.T) {
	p, store := newTestProcessor(t)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.FormatInt(testLimits.MaxSize+1, 10))
		w.WriteHeader(http.StatusOK)
	})

	got := p.download(context.Background(), pending(t, store, srv.URL), nil)
	assertFailed(t, store, got, derrors.SizeViolation, "exceeds the maximum")
	assert.Equal(t, int64(0), got.DownloadedBytes)
}

func TestDownloadInfiniteStream(t *testing.T) {
	p, store := newTestProcessor(t)
	p.Limits.MaxSize = 1 << 20

	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		chunk := bytes.Repeat([]byte{0xAB}, 32<<10)
		for {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			default:
			}
		}
	})

	got := p.download(context.Background(), pending(t, store, srv.URL), nil)
	assertFailed(t, store, got, derrors.SizeViolation, "exceeds the maximum of 1.0 MiB")
	assert.True(t, got.DownloadedBytes <= p.Limits.MaxSize)
}

func TestDownloadBelowFloor(t *testing.T) {
	for name, body := range map[string][]byte{"empty": {}, "tiny": []byte("<html>gone</html>")} {
		t.Run(name, func(t *testing.T) {
			p, store := newTestProcessor(t)
			srv := newServer(t, serve(body))

			got := p.download(context.Background(), pending(t, store, srv.URL), nil)
			assertFailed(t, store, got, derrors.SizeViolation, "below the minimum of 1.0 KiB")
		})
	}
}

func TestDownloadUnknownLength(t *testing.T) {
	p, store := newTestProcessor(t)
	body := payload(300000)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		// flushing before the end forces a chunked response
		w.Write(body[:1000])
		w.(http.Flusher).Flush()
		w.Write(body[1000:])
	})

	rec := pending(t, store, srv.URL)
	got := p.download(context.Background(), rec, nil)

	require.Equal(t, download.StateCompleted, got.State)
	assert.Equal(t, sha(body), got.Digest)
	assert.Equal(t, int64(len(body)), got.DownloadedBytes)

	for _, r := range store.history(rec.ID) {
		if r.State == download.StateDownloading {
			assert.Equal(t, int64(0), r.TotalBytes)
			pc := r.PercentComplete()
			assert.True(t, pc.IsNil())
		}
	}
}

func TestDownloadProgressMonotonic(t *testing.T) {
	p, store := newTestProcessor(t)
	body := payload(3 << 20)
	srv := newServer(t, serve(body))

	rec := pending(t, store, srv.URL)
	got := p.download(context.Background(), rec, nil)
	require.Equal(t, download.StateCompleted, got.State)

	history := store.history(rec.ID)
	var progress []int64
	for _, r := range history {
		if r.State == download.StateDownloading {
			progress = append(progress, r.DownloadedBytes)
		}
	}

	// begin, total known, then every progress interval
	assert.True(t, len(progress) >= int(int64(len(body))/testLimits.ProgressInterval), "got %v", progress)
	for i := 1; i < len(progress); i++ {
		assert.True(t, progress[i] >= progress[i-1], "progress went backwards: %v", progress)
	}
	assert.Equal(t, download.StateCompleted, history[len(history)-1].State)
}

func TestDownloadUnderrun(t *testing.T) {
	p, store := newTestProcessor(t)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.Write(payload(5000))
	})

	got := p.download(context.Background(), pending(t, store, srv.URL), nil)
	assertFailed(t, store, got, derrors.Unreachable, "connection closed")
}

func TestDownloadRedirects(t *testing.T) {
	p, store := newTestProcessor(t)
	body := payload(4096)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		var hops int
		fmt.Sscanf(r.URL.Path, "/r/%d", &hops)
		if hops > 0 {
			http.Redirect(w, r, fmt.Sprintf("/r/%d", hops-1), http.StatusFound)
			return
		}
		serve(body)(w, r)
	})

	got := p.download(context.Background(), pending(t, store, srv.URL+"/r/3"), nil)
	require.Equal(t, download.StateCompleted, got.State)
	assert.Equal(t, sha(body), got.Digest)

	got = p.download(context.Background(), pending(t, store, srv.URL+"/r/4"), nil)
	assertFailed(t, store, got, derrors.Unreachable, "too many redirects")
}

func TestDownloadSoftTimeout(t *testing.T) {
	p, store := newTestProcessor(t)
	p.Limits.SoftTimeout = 200 * time.Millisecond
	srv := newServer(t, stall(nil))

	got := p.download(context.Background(), pending(t, store, srv.URL), nil)
	assertFailed(t, store, got, derrors.Timeout, "soft timeout")
}

func TestDownloadHardTimeout(t *testing.T) {
	p, store := newTestProcessor(t)
	p.Limits.SoftTimeout = time.Hour
	p.Limits.HardTimeout = 200 * time.Millisecond
	srv := newServer(t, stall(nil))

	rec := pending(t, store, srv.URL)
	got := p.download(context.Background(), rec, nil)
	assertFailed(t, store, got, derrors.Timeout, "hard timeout")

	// the runner wrote nothing after the supervisor finalized the record
	history := store.history(rec.ID)
	assert.Equal(t, download.StateError, history[len(history)-1].State)
	assert.Contains(t, history[len(history)-1].ErrorMessage, "hard timeout")
}

func TestTaskFence(t *testing.T) {
	p, store := newTestProcessor(t)
	tk := &task{p: p, rec: pending(t, store, "http://example.com"), log: p.Log}
	require.NoError(t, tk.begin())

	assert.True(t, tk.finalize(nil, derrors.Errorf(derrors.Timeout, "downloading", "exceeded hard timeout")))
	assert.False(t, tk.finalize(&result{digest: "x", written: 1}, nil))
	assert.Equal(t, errFenced, tk.progress(10, 20))
	assert.Equal(t, errFenced, tk.begin())
	_, err := tk.open()
	assert.Equal(t, errFenced, err)

	stored, err := store.GetRecord(tk.rec.ID)
	require.NoError(t, err)
	assert.Equal(t, download.StateError, stored.State)
	assert.Equal(t, int64(0), stored.DownloadedBytes)
}

func TestDownloadSkipsTerminal(t *testing.T) {
	p, store := newTestProcessor(t)
	for _, state := range []download.State{download.StateCompleted, download.StateError} {
		rec := pending(t, store, "http://example.com")
		rec.State = state
		require.NoError(t, store.SaveRecord(&rec))
		saves := len(store.history(rec.ID))

		got := p.download(context.Background(), rec, nil)
		assert.Equal(t, rec, got)
		assert.Len(t, store.history(rec.ID), saves)
	}
}

func TestDownloadRestartTruncates(t *testing.T) {
	p, store := newTestProcessor(t)
	body := payload(2048)
	srv := newServer(t, serve(body))

	rec := pending(t, store, srv.URL)
	rec.State = download.StateDownloading
	rec.FilePath = p.storagePath(rec.ID)
	require.NoError(t, store.SaveRecord(&rec))
	require.NoError(t, os.MkdirAll(filepath.Dir(rec.FilePath), 0755))
	require.NoError(t, os.WriteFile(rec.FilePath, payload(100000), 0644))

	got := p.download(context.Background(), rec, nil)
	require.Equal(t, download.StateCompleted, got.State)

	onDisk, err := os.ReadFile(got.FilePath)
	require.NoError(t, err)
	assert.Equal(t, body, onDisk)
}

func TestDownloadShutdown(t *testing.T) {
	p, store := newTestProcessor(t)
	sent := make(chan struct{})
	srv := newServer(t, stall(sent))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sent
		cancel()
	}()

	rec := pending(t, store, srv.URL)
	got := p.download(ctx, rec, nil)

	assert.Equal(t, download.StateDownloading, got.State)
	assertNoFile(t, got.FilePath)

	_, err := store.PopDownload(&download.Aggregation{ID: rec.Caller})
	assert.Equal(t, storage.ErrRetryLater, err)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestDownloadPanic(t *testing.T) {
	p, store := newTestProcessor(t)
	p.Client = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		panic("boom")
	})}

	got := p.download(context.Background(), pending(t, store, "http://example.com/image.raw"), nil)
	assertFailed(t, store, got, derrors.Internal, "internal error")
	assert.NotContains(t, got.ErrorMessage, "boom")
}

func TestDownloadStorageFailure(t *testing.T) {
	p, store := newTestProcessor(t)
	srv := newServer(t, serve(payload(2048)))

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	p.StorageDir = blocker

	got := p.download(context.Background(), pending(t, store, srv.URL), nil)
	assert.Equal(t, download.StateError, got.State)
	assert.Contains(t, got.ErrorMessage, "storage while creating file")
}

func TestDownloadMimeType(t *testing.T) {
	html := bytes.Repeat([]byte("<!DOCTYPE html><html><body>Please log in</body></html>\n"), 100)

	t.Run("NoValidator", func(t *testing.T) {
		p, store := newTestProcessor(t)
		p.MimeType = "!text/html"
		srv := newServer(t, serve(html))

		got := p.download(context.Background(), pending(t, store, srv.URL), nil)
		assertFailed(t, store, got, derrors.Internal, "no mime type validator")
	})

	t.Run("Rejected", func(t *testing.T) {
		v, err := mimetype.New("!text/html")
		if err != nil {
			t.Skipf("libmagic unavailable: %s", err)
		}
		defer v.Close()

		p, store := newTestProcessor(t)
		p.MimeType = "!text/html"
		srv := newServer(t, serve(html))

		got := p.download(context.Background(), pending(t, store, srv.URL), v)
		assertFailed(t, store, got, derrors.Validation, "text/html")
	})

	t.Run("Recorded", func(t *testing.T) {
		p, store := newTestProcessor(t)
		srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/octet-stream; name=mem.raw")
			serve(payload(4096))(w, r)
		})

		got := p.download(context.Background(), pending(t, store, srv.URL), nil)
		require.Equal(t, download.StateCompleted, got.State)
		assert.Equal(t, "application/octet-stream", got.ContentType)
	})
}

func TestDownloadArchive(t *testing.T) {
	p, store := newTestProcessor(t)
	archive, err := filestorage.NewFileSystem(t.TempDir())
	require.NoError(t, err)
	p.Archive = archive

	body := payload(4096)
	srv := newServer(t, serve(body))

	got := p.download(context.Background(), pending(t, store, srv.URL), nil)
	require.Equal(t, download.StateCompleted, got.State)

	assert.True(t, archive.FileExists(download.RelativePath(got.ID)))
	_, err = os.Stat(got.FilePath)
	assert.NoError(t, err, "local copy is kept")
}
