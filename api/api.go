package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/forensicweb/downloader/download"
	"github.com/forensicweb/downloader/stats"
	"github.com/forensicweb/downloader/storage"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/mux"
)

// CallerHeader carries the identity of the authenticated caller, set by the
// upstream auth layer.
const CallerHeader = "X-Caller-Identity"

// maxBodySize bounds submission bodies. A request is an URL and a short
// description.
const maxBodySize = 64 << 10

type API struct {
	Server *http.Server
	Facade *Facade
	Store  storage.Store
	Log    log.Logger
}

// New returns an API listening on host:port. Downloads are scheduled with
// limit concurrent downloads per caller.
func New(s storage.Store, host string, port int, heartbeatPath string, limit int, logger log.Logger) *API {
	as := &API{
		Facade: NewFacade(s, limit),
		Store:  s,
		Log:    log.With(logger, "component", "api"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/upload/from-url", as.submit).Methods(http.MethodPost)
	r.HandleFunc("/upload/status/{id}", as.status).Methods(http.MethodGet)
	r.HandleFunc("/upload/{id}", as.remove).Methods(http.MethodDelete)
	r.HandleFunc("/stats/{component}", as.stats).Methods(http.MethodGet)
	r.Handle("/metrics", stats.Handler()).Methods(http.MethodGet)
	if heartbeatPath != "" {
		r.HandleFunc(heartbeatPath, as.heartbeat).Methods(http.MethodGet)
	}

	as.Server = &http.Server{
		Handler:           r,
		Addr:              host + ":" + strconv.Itoa(port),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return as
}

// ServeHTTP dispatches r to the routes of the API.
func (as *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	as.Server.Handler.ServeHTTP(w, r)
}

type acceptedResponse struct {
	ImageID string `json:"image_id"`
	Message string `json:"message"`
}

type progressStatus struct {
	ImageID         string               `json:"image_id"`
	Status          string               `json:"status"`
	DownloadedBytes int64                `json:"downloaded_bytes"`
	TotalBytes      int64                `json:"total_bytes"`
	PercentComplete download.NullableInt `json:"percent_complete"`
}

type completedStatus struct {
	ImageID       string    `json:"image_id"`
	Status        string    `json:"status"`
	FileSizeBytes int64     `json:"file_size_bytes"`
	FileHash      string    `json:"file_hash"`
	CompletedAt   time.Time `json:"completed_at"`
}

type errorStatus struct {
	ImageID string `json:"image_id"`
	Status  string `json:"status"`
	Error   string `json:"error"`
}

// statusOf renders the wire representation of r.
func statusOf(r download.Record) interface{} {
	status := strings.ToLower(string(r.State))
	switch r.State {
	case download.StateCompleted:
		return completedStatus{r.ID, status, r.DownloadedBytes, r.Digest, r.CompletedAt.UTC()}
	case download.StateError:
		return errorStatus{r.ID, status, r.ErrorMessage}
	default:
		return progressStatus{r.ID, status, r.DownloadedBytes, r.TotalBytes, r.PercentComplete()}
	}
}

// submit accepts a new download.
func (as *API) submit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req download.Request
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req)
	if err != nil {
		var verr *download.ValidationError
		if !errors.As(err, &verr) {
			err = &download.ValidationError{Field: "body", Reason: err.Error()}
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	caller := r.Header.Get(CallerHeader)
	id, msg, err := as.Facade.Submit(req, caller)
	if err != nil {
		var verr *download.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrServiceUnavailable):
			level.Error(as.Log).Log("msg", "could not schedule download", "url", req.URL, "err", err)
			writeError(w, http.StatusServiceUnavailable, "download could not be scheduled, try again later")
		default:
			level.Error(as.Log).Log("msg", "could not submit download", "url", req.URL, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	level.Info(as.Log).Log("msg", "accepted download", "image", id, "caller", caller, "url", req.URL)
	writeJSON(w, http.StatusAccepted, acceptedResponse{ImageID: id, Message: msg})
}

func (as *API) status(w http.ResponseWriter, r *http.Request) {
	rec, err := as.Facade.Status(mux.Vars(r)["id"])
	if err == storage.ErrNotFound {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	if err != nil {
		level.Error(as.Log).Log("msg", "could not fetch record", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, statusOf(rec))
}

func (as *API) remove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	switch err := as.Facade.Delete(id); err {
	case nil:
		w.WriteHeader(http.StatusAccepted)
	case storage.ErrNotFound:
		writeError(w, http.StatusNotFound, "image not found")
	case ErrInProgress:
		writeError(w, http.StatusConflict, err.Error())
	default:
		level.Error(as.Log).Log("msg", "could not queue image for deletion", "image", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// stats serves the last statistics reported by a component.
func (as *API) stats(w http.ResponseWriter, r *http.Request) {
	b, err := as.Store.GetStats(mux.Vars(r)["component"])
	if err != nil {
		level.Error(as.Log).Log("msg", "could not fetch stats", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "no stats reported")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

func (as *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := as.Store.Ping(); err != nil {
		level.Warn(as.Log).Log("msg", "heartbeat failed", "err", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
