package ronin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TimeFormat is the timestamp layout the Ronin backend uses everywhere
// (yyyy-MM-dd'T'HH:mm:ss.SSSZ). It must be preserved verbatim: the server
// rejects RFC 3339 fractional-second variants.
const TimeFormat = "2006-01-02T15:04:05.000-0700"

// Time wraps time.Time with the fixed Ronin wire format.
type Time struct {
	time.Time
}

// Now returns the current time as a wire Time.
func Now() Time {
	return Time{time.Now()}
}

// At wraps a time.Time.
func At(t time.Time) Time {
	return Time{t}
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(TimeFormat))
}

func (t *Time) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: timestamp not a string: %v", ErrMalformedPayload, err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(TimeFormat, s)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrMalformedPayload, s)
	}
	t.Time = parsed
	return nil
}

// decodeStrict unmarshals data into v and tags decode failures as
// MalformedPayload so callers can drop them uniformly.
func decodeStrict(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
