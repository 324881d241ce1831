package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/vms-alerts/internal/auth"
	"github.com/technosupport/vms-alerts/internal/middleware"
)

type AuthHandler struct {
	Blacklist auth.TokenBlacklist
	Log       *zap.Logger
}

// POST /api/v1/auth/revoke revokes the caller's own token.
func (h *AuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if h.Blacklist == nil {
		respondError(w, http.StatusNotImplemented, "Token revocation not configured")
		return
	}
	if err := h.Blacklist.AddToBlacklist(r.Context(), ac.TokenID, time.Until(ac.ExpiresAt)); err != nil {
		h.Log.Error("revoke token failed", zap.String("operator_id", ac.OperatorID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	h.Log.Info("token revoked", zap.String("operator_id", ac.OperatorID), zap.String("jti", ac.TokenID))
	w.WriteHeader(http.StatusNoContent)
}
