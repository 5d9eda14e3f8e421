package api

import (
	"encoding/json"
	"net/http"

	"github.com/malwarebo/courier/models"
	"github.com/malwarebo/courier/utils"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// writeSavedResponse replays a stored response verbatim: status, headers in
// their original order, and the exact body bytes.
func writeSavedResponse(w http.ResponseWriter, resp *models.SavedResponse) {
	for _, header := range resp.Headers {
		w.Header().Add(header.Name, header.Value)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func writeError(w http.ResponseWriter, err error) {
	status := utils.GetHTTPStatusFromError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		// Storage details stay in the logs, not in the response.
		message = "Internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: message})
}
