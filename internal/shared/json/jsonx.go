// Package jsonx routes every JSON encode/decode in the module through goccy/go-json.
package jsonx

import "github.com/goccy/go-json"

var (
	Marshal       = json.Marshal
	MarshalIndent = json.MarshalIndent
	Unmarshal     = json.Unmarshal
	NewEncoder    = json.NewEncoder
)

type RawMessage = json.RawMessage

// MarshalDocument encodes v as two-space indented JSON terminated by a newline,
// the layout used for every on-disk document.
func MarshalDocument(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
