package download

import (
	"bytes"
	"encoding/json"
)

// NullableInt represents an int that can be "empty" (aka nil).
//
// A NullableInt is empty by default.
type NullableInt struct {
	hasValue bool // false by default
	i        int
}

// IsNil returns true if the value is empty.
func (ni *NullableInt) IsNil() bool {
	return !ni.hasValue
}

// Value returns the value, make sure to check IsNil before using it.
func (ni *NullableInt) Value() int {
	return ni.i
}

// Set sets the value to i.
func (ni *NullableInt) Set(i int) {
	ni.hasValue = true
	ni.i = i
}

// MarshalJSON encodes ni as null if empty, int otherwise.
func (ni NullableInt) MarshalJSON() ([]byte, error) {
	if ni.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(ni.i)
}

// UnmarshalJSON decodes data to a NullableInt.
func (ni *NullableInt) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		ni.hasValue = false
		return nil
	}

	ni.hasValue = true
	return json.Unmarshal(data, &ni.i)
}
