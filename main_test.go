package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/forensicweb/downloader/config"
	"github.com/forensicweb/downloader/download"
	"github.com/forensicweb/downloader/storage"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const timeout = 10 * time.Second

// standaloneServer runs every component over in-memory storage and returns
// the API server along with the events published over HTTP.
func standaloneServer(t *testing.T) (*httptest.Server, <-chan download.Event) {
	t.Helper()
	logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

	events := make(chan download.Event, 10)
	cbServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev download.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		events <- ev
	}))
	t.Cleanup(cbServer.Close)

	cfg = config.Default()
	cfg.Processor.StorageDir = t.TempDir()
	cfg.Processor.MinSize = 16
	cfg.Processor.ChunkSize = 4096
	cfg.Processor.ProgressInterval = 16384
	cfg.Processor.ScanInterval = config.Duration(20 * time.Millisecond)
	cfg.Processor.DiskHigh, cfg.Processor.DiskLow = 100, 99
	cfg.Backends = map[string]map[string]interface{}{
		"http": {"url": cbServer.URL},
	}
	require.NoError(t, cfg.Validate())

	s, err := startStandalone(storage.NewMemory(), "127.0.0.1", 0)
	require.NoError(t, err)

	srv := httptest.NewServer(s.api)
	t.Cleanup(func() {
		srv.Close()
		s.stop()
	})
	return srv, events
}

func submit(t *testing.T, srv *httptest.Server, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/upload/from-url", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Caller-Identity", "investigator")

	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&m))
	return res.StatusCode, m
}

// poll returns the first terminal status of id.
func poll(t *testing.T, srv *httptest.Server, id string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		res, err := srv.Client().Get(srv.URL + "/upload/status/" + id)
		require.NoError(t, err)
		var m map[string]interface{}
		err = json.NewDecoder(res.Body).Decode(&m)
		res.Body.Close()
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, res.StatusCode)

		if m["status"] == "completed" || m["status"] == "error" {
			return m
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s did not finish in %s", id, timeout)
	return nil
}

func awaitEvent(t *testing.T, events <-chan download.Event, id string) download.Event {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if ev.ImageID == id {
				return ev
			}
		case <-time.After(timeout):
			t.Fatalf("no event for %s in %s", id, timeout)
		}
	}
}

func TestStandaloneDownload(t *testing.T) {
	image := make([]byte, 200000)
	rand.New(rand.NewSource(1)).Read(image)
	sum := sha256.Sum256(image)

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/memory.raw" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", "200000")
		w.Write(image)
	}))
	defer remote.Close()

	srv, events := standaloneServer(t)

	code, body := submit(t, srv, `{"url":"`+remote.URL+`/memory.raw","description":"workstation-4"}`)
	require.Equal(t, http.StatusAccepted, code, body)
	id := body["image_id"].(string)

	status := poll(t, srv, id)
	assert.Equal(t, "completed", status["status"], status)
	assert.Equal(t, 200000.0, status["file_size_bytes"])
	assert.Equal(t, hex.EncodeToString(sum[:]), status["file_hash"])

	ev := awaitEvent(t, events, id)
	assert.Equal(t, download.StateCompleted, ev.State)
	assert.Equal(t, "workstation-4", ev.Description)
	assert.Equal(t, hex.EncodeToString(sum[:]), ev.Digest)

	f, err := os.Open(ev.FilePath)
	require.NoError(t, err)
	defer f.Close()
	h := sha256.New()
	_, err = io.Copy(h, f)
	require.NoError(t, err)
	assert.Equal(t, sum[:], h.Sum(nil))
}

func TestStandaloneFailures(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/tiny" {
			w.Write([]byte("x"))
			return
		}
		http.NotFound(w, r)
	}))
	defer remote.Close()

	srv, events := standaloneServer(t)

	cases := map[string]string{
		"/missing": "404",
		"/tiny":    "below the minimum",
	}
	for path, cause := range cases {
		code, body := submit(t, srv, `{"url":"`+remote.URL+path+`"}`)
		require.Equal(t, http.StatusAccepted, code, body)
		id := body["image_id"].(string)

		status := poll(t, srv, id)
		assert.Equal(t, "error", status["status"])
		assert.Contains(t, status["error"], cause)

		ev := awaitEvent(t, events, id)
		assert.Equal(t, download.StateError, ev.State)
		assert.Contains(t, ev.Error, cause)
		assert.Empty(t, ev.FilePath)
	}

	code, body := submit(t, srv, `{"url":"not-a-url"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Nil(t, body["image_id"])

	res, err := srv.Client().Get(srv.URL + "/upload/status/never-issued")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}
