package download

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// State represents the lifecycle state of a download.
// For valid values see constants below.
type State string

// The available states of a Record.
const (
	StatePending     State = "PENDING"
	StateDownloading State = "DOWNLOADING"
	StateCompleted   State = "COMPLETED"
	StateError       State = "ERROR"
)

// MarshalBinary is used by redis driver to marshall custom type State
func (s State) MarshalBinary() (data []byte, err error) {
	return []byte(string(s)), nil
}

// Terminal reports whether s is a final state. Records in a terminal state
// are never written again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// Record is the persistent entity tracking a single download from the moment
// it is accepted until it reaches a terminal state.
//
// The facade writes the initial PENDING record; afterwards the runner that
// popped the record is its only writer.
type Record struct {
	// Auto-generated, used as the external handle
	ID string

	State State

	// The URL pointing to the resource to be downloaded
	URL string

	// Optional caller supplied text
	Description string

	// Caller is the identity of the submitter. It doubles as the ID of the
	// aggregation the record is scheduled in.
	Caller string

	DownloadedBytes int64

	// TotalBytes is 0 when the remote server did not declare a length.
	TotalBytes int64

	// FilePath is the local storage path. It is set once, when the runner
	// starts, and derived from ID alone.
	FilePath string

	// Hex-encoded sha256 of the downloaded bytes. Only set on COMPLETED.
	Digest string

	// Mime type sniffed from the first bytes of the payload.
	ContentType string

	// Human readable failure cause. Only set on ERROR.
	ErrorMessage string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// New returns a PENDING record for r submitted by caller.
// A missing description defaults to "Downloaded from <url>".
func New(id string, r Request, caller string, now time.Time) Record {
	desc := strings.TrimSpace(r.Description)
	if desc == "" {
		desc = "Downloaded from " + r.URL
	}
	return Record{
		ID:          id,
		State:       StatePending,
		URL:         r.URL,
		Description: desc,
		Caller:      caller,
		CreatedAt:   now,
	}
}

// Path returns the relative path of the downloaded file. Records are sharded
// in sub-directories by the first two characters of their ID.
func (r *Record) Path() string {
	return RelativePath(r.ID)
}

// RelativePath returns the storage path of the file belonging to id,
// relative to the storage root.
func RelativePath(id string) string {
	if len(id) < 2 {
		return filepath.Join("_", id)
	}
	return filepath.Join(id[0:2], id)
}

// PercentComplete returns the download progress in percent. The result is
// empty when the total size is unknown.
func (r *Record) PercentComplete() NullableInt {
	var pc NullableInt
	if r.TotalBytes <= 0 {
		return pc
	}
	p := r.DownloadedBytes * 100 / r.TotalBytes
	if p > 100 {
		p = 100
	}
	pc.Set(int(p))
	return pc
}

// Event returns the notification describing the outcome of r.
func (r *Record) Event() (Event, error) {
	if !r.State.Terminal() {
		return Event{}, fmt.Errorf("Invalid record state: '%s'", r.State)
	}

	ev := Event{
		ImageID:     r.ID,
		State:       r.State,
		URL:         r.URL,
		Description: r.Description,
		CompletedAt: r.CompletedAt,
	}
	if r.State == StateCompleted {
		ev.FilePath = r.FilePath
		ev.FileSize = r.DownloadedBytes
		ev.Digest = r.Digest
		ev.ContentType = r.ContentType
	} else {
		ev.Error = r.ErrorMessage
	}
	return ev, nil
}

func (r Record) String() string {
	return fmt.Sprintf("Record{ID:%s, Caller:%s, URL:%s, State:%s, Downloaded:%d, Total:%d}",
		r.ID, r.Caller, r.URL, r.State, r.DownloadedBytes, r.TotalBytes)
}
