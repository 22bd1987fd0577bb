package json

import jsoniter "github.com/json-iterator/go"

var (
	// JSON is the instance of jsoniter.API that should be used throughout the codebase
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	// Marshal is a shorthand for JSON.Marshal
	Marshal = JSON.Marshal

	// Unmarshal is a shorthand for JSON.Unmarshal
	Unmarshal = JSON.Unmarshal

	// NewDecoder is a shorthand for JSON.NewDecoder
	NewDecoder = JSON.NewDecoder

	// NewEncoder is a shorthand for JSON.NewEncoder
	NewEncoder = JSON.NewEncoder

	// Valid reports whether data is a well-formed JSON document.
	Valid = JSON.Valid
)

// RawMessage is a raw encoded JSON value, passed through untouched.
type RawMessage = jsoniter.RawMessage

// Get walks data along path (object keys or array indexes) without decoding
// the whole document. A missing path yields an Any whose LastError is set.
func Get(data []byte, path ...interface{}) jsoniter.Any {
	return JSON.Get(data, path...)
}

// Unquote returns the decoded string when data is a JSON string literal that
// itself carries a JSON document, as some event bus peers double-encode
// their replies. Any other input is returned unchanged.
func Unquote(data []byte) []byte {
	trimmed := trimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return data
	}
	var s string
	if err := Unmarshal(trimmed, &s); err != nil {
		return data
	}
	return []byte(s)
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
