package download

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalJSON(t *testing.T) {
	long := "https://example.com/" + strings.Repeat("a", MaxURLLength)
	exact := "https://example.com/" + strings.Repeat("a", MaxURLLength-len("https://example.com/"))

	tc := map[string]bool{
		``:              true,
		`{"foo"}`:       true,
		`{"foo":"bar"}`: true,
		`meh`:           true,

		// invalid url
		`{"url":"not-a-url"}`:              true,
		`{"url":""}`:                       true,
		`{"url":4}`:                        true,
		`{"url":null}`:                     true,
		`{"url":"ftp://example.com/a.raw"}`: true,
		`{"url":"file:///etc/passwd"}`:     true,
		`{"url":"https://"}`:               true,
		`{"url":"` + long + `"}`:           true,

		// invalid description
		`{"url":"https://example.com/mem.raw","description":4}`: true,

		`{"url":"https://example.com/mem.raw"}`:                                 false,
		`{"url":"http://example.com/mem.raw","description":"linux server"}`:     false,
		`{"url":"HTTPS://example.com/mem.raw"}`:                                 false,
		`{"url":"https://example.com/mem.raw","description":null}`:             false,
		`{"url":"  https://example.com/mem.raw  "}`:                             false,
		`{"url":"` + exact + `"}`:                                               false,
		`{"url":"https://example.com/dl?file=mem.raw&token=abc","extra":"x"}`: false,
	}

	for data, expectErr := range tc {
		r := new(Request)
		err := json.Unmarshal([]byte(data), r)
		receivedErr := (err != nil)
		if receivedErr != expectErr {
			if err != nil {
				fmt.Println(err)
			}
			t.Errorf("Expected receivedErr to be %v for '%s'", expectErr, data)
		}
	}
}

func TestValidationErrorType(t *testing.T) {
	r := Request{URL: "not-a-url"}
	err := r.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "url", verr.Field)
	assert.Contains(t, err.Error(), "http://")
}

func TestUnmarshalKeepsDescription(t *testing.T) {
	var r Request
	err := json.Unmarshal([]byte(`{"url":"https://host/ok.bin","description":"dump 2025-12-24"}`), &r)
	require.NoError(t, err)
	assert.Equal(t, "https://host/ok.bin", r.URL)
	assert.Equal(t, "dump 2025-12-24", r.Description)
}
