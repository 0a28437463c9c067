package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// WireID is an id decoded from either a JSON string or a JSON integer.
type WireID string

func (w *WireID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*w = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*w = WireID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return errors.New("ids must be strings or integers")
	}
	*w = WireID(n.String())
	return nil
}

func (w WireID) String() string { return string(w) }
