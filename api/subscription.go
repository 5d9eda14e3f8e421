package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/malwarebo/courier/models"
	"github.com/malwarebo/courier/utils"
)

type Subscriber interface {
	Subscribe(ctx context.Context, req *models.SubscribeRequest) error
	Confirm(ctx context.Context, token string) error
}

type SubscriptionHandler struct {
	subscriptions Subscriber
}

func CreateSubscriptionHandler(subscriptions Subscriber) *SubscriptionHandler {
	return &SubscriptionHandler{
		subscriptions: subscriptions,
	}
}

func (h *SubscriptionHandler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req models.SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	if err := h.subscriptions.Subscribe(r.Context(), &req); err != nil {
		utils.LogError(r.Context(), err, "Subscription failed", map[string]interface{}{
			"email": req.Email,
		})
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"status": "pending_confirmation"})
}

func (h *SubscriptionHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	if err := h.subscriptions.Confirm(r.Context(), token); err != nil {
		utils.LogError(r.Context(), err, "Subscription confirmation failed", nil)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}
