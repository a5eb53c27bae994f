package util

import (
	"bytes"
	"encoding/json"
)

// UnmarshalJSON decodes data into v keeping numbers as json.Number, so
// integers past 2^53 survive a trip through stored kwargs.
func UnmarshalJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
