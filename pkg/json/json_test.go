package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	ID      string            `json:"id"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    RawMessage        `json:"body"`
}

func TestMarshalUnmarshal(t *testing.T) {
	original := frame{
		ID:      "42",
		Headers: map[string]string{"address": "appsist:requests:semwiki"},
		Body:    RawMessage(`{"sparql":{"query":"SELECT ?x WHERE {}"}}`),
	}

	data, err := Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"42"`)
	assert.Contains(t, string(data), `"body":{"sparql":{"query":"SELECT ?x WHERE {}"}}`)

	var decoded frame
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, original.ID, decoded.ID)
	assert.JSONEq(t, string(original.Body), string(decoded.Body))

	err = Unmarshal([]byte(`{"invalid`), &decoded)
	assert.Error(t, err)
}

func TestEncoderDecoder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(map[string]string{"contentId": "C42"}))

	var decoded map[string]string
	require.NoError(t, NewDecoder(bytes.NewReader(buf.Bytes())).Decode(&decoded))
	assert.Equal(t, "C42", decoded["contentId"])

	invalidDecoder := NewDecoder(bytes.NewReader([]byte(`{"invalid`)))
	assert.Error(t, invalidDecoder.Decode(&decoded))
}

func TestGet(t *testing.T) {
	data := []byte(`{"results":{"bindings":[{"uri":{"type":"uri","value":"http://x/ns/M1Full"}}]}}`)

	assert.Equal(t, "http://x/ns/M1Full", Get(data, "results", "bindings", 0, "uri", "value").ToString())
	assert.Error(t, Get(data, "results", "missing").LastError())
}

func TestUnquote(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "object passes through", in: `{"a":1}`, want: `{"a":1}`},
		{name: "quoted document", in: `"{\"a\":1}"`, want: `{"a":1}`},
		{name: "leading whitespace", in: "  \"{}\"", want: `{}`},
		{name: "broken literal passes through", in: `"{`, want: `"{`},
		{name: "empty", in: ``, want: ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(Unquote([]byte(tt.in))))
		})
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{}`)))
	assert.False(t, Valid([]byte(`{`)))
}
