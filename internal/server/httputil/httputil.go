// Package httputil holds response helpers shared by the HTTP handlers.
package httputil

import (
	"net/http"

	"github.com/nmxmxh/inhalteselektor/pkg/json"
	"go.uber.org/zap"
)

// emptyObject is written when encoding fails after headers were set.
var emptyObject = []byte("{}\n")

// WriteJSONResponse writes v as a 200 JSON response. Encoding failures are
// logged and answered with an empty object, so resolution routes keep their
// always-200 contract.
func WriteJSONResponse(w http.ResponseWriter, log *zap.Logger, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error("Failed to encode JSON response", zap.Error(err))
		body = emptyObject
	} else {
		body = append(body, '\n')
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Debug("Failed to write JSON response", zap.Error(err))
	}
}

// WriteEmpty writes the empty answer {}.
func WriteEmpty(w http.ResponseWriter, log *zap.Logger) {
	WriteJSONResponse(w, log, struct{}{})
}
