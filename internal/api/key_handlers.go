package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/chaintrail/internal/keys"
	"github.com/onnwee/chaintrail/internal/middleware"
)

// KeyHandlers provides signing key management endpoints.
type KeyHandlers struct {
	ring   *keys.Ring
	logger *slog.Logger
}

// NewKeyHandlers creates the key endpoint handlers.
func NewKeyHandlers(ring *keys.Ring, logger *slog.Logger) *KeyHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyHandlers{ring: ring, logger: logger}
}

// PublicKey handles GET /keys/public. Without a key_id query parameter the
// current signing key is returned; with one, any historical key, so proofs
// issued before a rotation stay verifiable.
func (h *KeyHandlers) PublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}

	keyID := r.URL.Query().Get("key_id")
	pemText, err := h.ring.PublicKeyPEM(keyID)
	if err != nil {
		switch {
		case errors.Is(err, keys.ErrUnknownKeyID):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Unknown key id")
		case errors.Is(err, keys.ErrNoCurrentKey):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeUnavailable)
			WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeUnavailable, "No signing key available")
		default:
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		}
		return
	}

	if keyID == "" {
		keyID = h.ring.CurrentKeyID()
	}
	WriteJSON(w, r.Context(), http.StatusOK, map[string]string{
		"key_id":     keyID,
		"public_key": pemText,
	})
}

// Rotate handles POST /keys/rotate. New records sign with the new key;
// existing records stay verifiable against the retained old keys.
func (h *KeyHandlers) Rotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r)
		return
	}

	pair, err := h.ring.Rotate()
	if err != nil {
		h.logger.Error("key rotation failed", slog.String("error", err.Error()))
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Key rotation failed")
		return
	}

	h.logger.Info("signing key rotated", slog.String("key_id", pair.KeyID))
	WriteJSON(w, r.Context(), http.StatusOK, map[string]string{"key_id": pair.KeyID})
}
