package api

import (
	"encoding/json"
	"net/http"
)

// RespondWithJSON encodes payload as the response body.
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to marshal response")
		return
	}
	respond(w, code, "application/json", body)
}

// RespondWithError writes {"error": message}.
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, map[string]string{"error": message})
}

// RespondWithHTML writes a rendered page.
func RespondWithHTML(w http.ResponseWriter, code int, page string) {
	respond(w, code, "text/html; charset=utf-8", []byte(page))
}

func respond(w http.ResponseWriter, code int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	w.Write(body)
}
