package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/technosupport/vms-alerts/internal/alerts"
	"github.com/technosupport/vms-alerts/internal/data"
	"github.com/technosupport/vms-alerts/internal/notify/email"
	"github.com/technosupport/vms-alerts/internal/notify/sms"
	"github.com/technosupport/vms-alerts/internal/registry"
)

// SubscriberRegistry is satisfied by *registry.Registry.
type SubscriberRegistry interface {
	Register(sub alerts.Subscriber) error
	Deregister(id string)
	Get(id string) (alerts.Subscriber, bool)
	List() []alerts.Subscriber
}

// RecipientStore is satisfied by data.RecipientModel.
type RecipientStore interface {
	Insert(ctx context.Context, sub alerts.Subscriber) error
	Delete(ctx context.Context, id string) error
}

// SubscriberHandler manages email and SMS subscribers. Store may be nil,
// in which case subscribers live only in memory.
type SubscriberHandler struct {
	Registry SubscriberRegistry
	Store    RecipientStore
	Log      *zap.Logger
}

// POST /api/v1/subscribers
func (h *SubscriberHandler) Create(w http.ResponseWriter, r *http.Request) {
	var sub alerts.Subscriber
	if err := decodeJSON(r, &sub); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if err := sub.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateAddress(sub); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, exists := h.Registry.Get(sub.ID); exists {
		respondError(w, http.StatusConflict, "Subscriber already exists")
		return
	}

	if h.Store != nil {
		if err := h.Store.Insert(r.Context(), sub); err != nil {
			if errors.Is(err, data.ErrDuplicate) {
				respondError(w, http.StatusConflict, "Subscriber already exists")
				return
			}
			h.Log.Error("persist subscriber failed", zap.String("subscriber_id", sub.ID), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
	}

	if err := h.Registry.Register(sub); err != nil {
		if h.Store != nil {
			if derr := h.Store.Delete(r.Context(), sub.ID); derr != nil {
				h.Log.Error("rollback subscriber failed", zap.String("subscriber_id", sub.ID), zap.Error(derr))
			}
		}
		if errors.Is(err, registry.ErrDuplicateSubscriber) {
			respondError(w, http.StatusConflict, "Subscriber already exists")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.Log.Info("subscriber registered",
		zap.String("subscriber_id", sub.ID),
		zap.String("channel", string(sub.Channel)),
		zap.Strings("topics", sub.Topics),
	)
	got, _ := h.Registry.Get(sub.ID)
	respondJSON(w, http.StatusCreated, got)
}

// DELETE /api/v1/subscribers/{id}
func (h *SubscriberHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if sub, ok := h.Registry.Get(id); ok && sub.Channel == alerts.ChannelLivePush {
		respondError(w, http.StatusBadRequest, "Live-push subscribers end when their socket closes")
		return
	}
	if h.Store != nil {
		if err := h.Store.Delete(r.Context(), id); err != nil {
			h.Log.Error("delete subscriber failed", zap.String("subscriber_id", id), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
	}
	h.Registry.Deregister(id)
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/subscribers
func (h *SubscriberHandler) List(w http.ResponseWriter, r *http.Request) {
	subs := h.Registry.List()
	if subs == nil {
		subs = []alerts.Subscriber{}
	}
	respondJSON(w, http.StatusOK, subs)
}

func validateAddress(sub alerts.Subscriber) error {
	switch sub.Channel {
	case alerts.ChannelEmail:
		return email.ValidateAddress(sub.Address)
	case alerts.ChannelSMS:
		return sms.ValidateNumber(sub.Address)
	default:
		return errors.New("live-push subscribers connect over /ws")
	}
}
