package download

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// MaxURLLength is the longest URL accepted for download.
const MaxURLLength = 2048

// ValidationError is returned for malformed download requests.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Request represents a user request for downloading a remote image.
type Request struct {
	// The URL pointing to the resource to be downloaded
	URL string `json:"url"`

	// Optional human readable description of the image
	Description string `json:"description,omitempty"`
}

// Validate checks that r can be accepted for download.
func (r *Request) Validate() error {
	if r.URL == "" {
		return &ValidationError{"url", "must not be empty"}
	}
	if len(r.URL) > MaxURLLength {
		return &ValidationError{"url", fmt.Sprintf("must not exceed %d characters", MaxURLLength)}
	}

	lower := strings.ToLower(r.URL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return &ValidationError{"url", "must start with http:// or https://"}
	}

	u, err := url.ParseRequestURI(r.URL)
	if err != nil {
		return &ValidationError{"url", "could not parse URL: " + err.Error()}
	}
	if u.Host == "" {
		return &ValidationError{"url", "missing host"}
	}
	return nil
}

// UnmarshalJSON is used to populate a request from the values in
// the provided JSON message. The populated request is validated.
func (r *Request) UnmarshalJSON(b []byte) error {
	var tmp map[string]interface{}

	err := json.Unmarshal(b, &tmp)
	if err != nil {
		return &ValidationError{"body", err.Error()}
	}

	u, ok := tmp["url"].(string)
	if !ok {
		return &ValidationError{"url", "must be a string"}
	}
	r.URL = strings.TrimSpace(u)

	if d, ok := tmp["description"]; ok && d != nil {
		desc, ok := d.(string)
		if !ok {
			return &ValidationError{"description", "must be a string"}
		}
		r.Description = desc
	}

	return r.Validate()
}
