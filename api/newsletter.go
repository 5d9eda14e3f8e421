package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/malwarebo/courier/models"
	"github.com/malwarebo/courier/utils"
)

// Publisher runs one idempotent publish command.
type Publisher interface {
	Publish(ctx context.Context, userID string, req *models.PublishRequest) (*models.SavedResponse, error)
}

type NewsletterHandler struct {
	publisher Publisher
}

func CreateNewsletterHandler(publisher Publisher) *NewsletterHandler {
	return &NewsletterHandler{
		publisher: publisher,
	}
}

// HandlePublish accepts a publish command. The actor is taken from the
// X-User-ID header set by the authenticating reverse proxy; the idempotency
// key comes from the Idempotency-Key header or the request body.
func (h *NewsletterHandler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Missing X-User-ID header"})
		return
	}

	req, err := decodePublishRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}
	if headerKey := r.Header.Get("Idempotency-Key"); headerKey != "" {
		req.IdempotencyKey = headerKey
	}

	ctx := utils.WithUserID(r.Context(), userID)
	resp, err := h.publisher.Publish(ctx, userID, req)
	if err != nil {
		utils.LogError(ctx, err, "Publish command failed", nil)
		writeError(w, err)
		return
	}

	writeSavedResponse(w, resp)
}

func decodePublishRequest(r *http.Request) (*models.PublishRequest, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		return &models.PublishRequest{
			Title:          r.PostFormValue("title"),
			TextBody:       r.PostFormValue("text"),
			HTMLBody:       r.PostFormValue("html"),
			IdempotencyKey: r.PostFormValue("idempotency_key"),
		}, nil
	}

	var req models.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}
