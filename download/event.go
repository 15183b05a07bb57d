package download

import (
	"encoding/json"
	"time"
)

// Event is published to the downstream analysis pipeline once a download
// reaches a terminal state.
type Event struct {
	ImageID string `json:"image_id"`
	State   State  `json:"state"`

	URL         string `json:"url"`
	Description string `json:"description,omitempty"`

	// Set for completed downloads only
	FilePath    string `json:"file_path,omitempty"`
	FileSize    int64  `json:"file_size_bytes,omitempty"`
	Digest      string `json:"file_hash,omitempty"`
	ContentType string `json:"content_type,omitempty"`

	// Error contains the failure cause of errored downloads
	Error string `json:"error,omitempty"`

	CompletedAt time.Time `json:"completed_at"`
}

// Bytes returns a byte slice for an event encoded as JSON
func (ev *Event) Bytes() ([]byte, error) {
	return json.Marshal(ev)
}
