// Package mimetype sniffs the content type of downloaded payloads with
// libmagic and checks it against a configured pattern list.
package mimetype

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rakyll/magicmime"
)

// SniffThreshold is the number of leading payload bytes inspected.
const SniffThreshold = 1024

// Validator checks the mime type of a payload prefix against its checks.
// It holds a reference to a libmagic decoder and must not be shared between
// goroutines.
type Validator struct {
	decoder *magicmime.Decoder

	// checks that every sniffed type must satisfy
	checks []Check
}

// ErrMimeTypeMismatch is returned when a sniffed type fails a check.
type ErrMimeTypeMismatch struct {
	check Check
	found string
}

// Check is a glob pattern matched against a mime type. Negated checks act as
// a blacklist.
type Check struct {
	pattern string
	negate  bool
}

func (e ErrMimeTypeMismatch) Error() string {
	if e.check.negate {
		return fmt.Sprintf("expected mime-type not to be (%s), found (%s)", e.check.pattern, e.found)
	}
	return fmt.Sprintf("expected mime-type to be (%s), found (%s)", e.check.pattern, e.found)
}

// New constructs a validator for the comma separated pattern list, e.g.
// "!text/html,!text/xml". An empty pattern accepts every type.
func New(pattern string) (*Validator, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	decoder, err := magicmime.NewDecoder(magicmime.MAGIC_MIME_TYPE)
	if err != nil {
		return nil, err
	}
	return &Validator{decoder: decoder, checks: parseChecks(pattern)}, nil
}

func parseChecks(pattern string) []Check {
	var checks []Check
	for _, c := range strings.Split(pattern, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if strings.HasPrefix(c, "!") {
			checks = append(checks, Check{pattern: c[1:], negate: true})
			continue
		}
		checks = append(checks, Check{pattern: c})
	}
	return checks
}

// ValidatePattern validates that every check in pattern is a usable glob.
func ValidatePattern(pattern string) error {
	for _, c := range parseChecks(pattern) {
		if _, err := filepath.Match(c.pattern, "*"); err != nil {
			return fmt.Errorf("invalid mime type pattern %q", c.pattern)
		}
	}
	return nil
}

// Detect returns the mime type of the first SniffThreshold bytes of p.
func (v *Validator) Detect(p []byte) (string, error) {
	// decoder.TypeByBuffer() panics with empty slices, libmagic itself
	// reports them as application/x-empty.
	if len(p) == 0 {
		return "application/x-empty", nil
	}
	if len(p) > SniffThreshold {
		p = p[:SniffThreshold]
	}
	return v.decoder.TypeByBuffer(p)
}

// Validate sniffs p and runs every check against the result. The sniffed
// type is returned even when a check fails.
func (v *Validator) Validate(p []byte) (string, error) {
	mime, err := v.Detect(p)
	if err != nil {
		return "", err
	}
	for _, check := range v.checks {
		if !check.IsValid(mime) {
			return mime, ErrMimeTypeMismatch{check, mime}
		}
	}
	return mime, nil
}

// Close closes the internal mime-type decoder.
func (v *Validator) Close() {
	v.decoder.Close()
}

// IsValid validates the given mime string against c.
func (c Check) IsValid(mime string) bool {
	// Patterns are validated on construction, ErrBadPattern can't happen.
	match, _ := filepath.Match(c.pattern, mime)
	return match != c.negate
}
