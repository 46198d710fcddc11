package formatter

import (
	"encoding/json"
	"io"
)

// WriteJSONL writes one compact JSON object per record. HTML characters
// in content are written as is.
func WriteJSONL[T any](w io.Writer, records []T) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
