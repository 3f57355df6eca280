package response

import (
	"encoding/json"
	"net/http"
)

type errorBody struct {
	Error *Error `json:"error"`
}

type resultBody struct {
	Result interface{} `json:"result"`
}

// WriteError will serialize the Error envelope with its status code
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(errorBody{Error: e})
}

// WriteResponse will serialize the result with HTTP 200
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resultBody{Result: result})
}
