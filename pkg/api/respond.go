package api

import (
	"encoding/json"
	"net/http"

	"socialmesh/pkg/protocol"
)

// JSONError writes a JSON error response with the given status code and
// message. It ensures the Content-Type is set to application/json.
func JSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// JSONWrite writes the provided value as JSON with the given status code.
func JSONWrite(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	return json.NewEncoder(w).Encode(v)
}

// protocolError maps a protocol error onto an HTTP response; non-protocol
// errors become a plain 500.
func protocolError(w http.ResponseWriter, err error) {
	code := protocol.CodeOf(err)
	switch {
	case code == protocol.CodeUnknownAccount:
		JSONError(w, http.StatusNotFound, err.Error())
	case code == protocol.CodeInvalidSignature:
		JSONError(w, http.StatusUnauthorized, err.Error())
	case protocol.IsValidation(code):
		JSONError(w, http.StatusBadRequest, err.Error())
	case code == protocol.CodePeerTimeout:
		JSONError(w, http.StatusGatewayTimeout, err.Error())
	case code == protocol.CodePeerUnreachable, code == protocol.CodePeerMalformedResponse:
		JSONError(w, http.StatusBadGateway, err.Error())
	default:
		JSONError(w, http.StatusInternalServerError, err.Error())
	}
}
