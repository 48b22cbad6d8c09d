package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"wasched/internal/session"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"whatsappReady": a.Sessions.Ready(),
		"timestamp":     a.now().UTC(),
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	ready := a.Sessions.Ready()
	var clientInfo any
	if info, ok := a.Sessions.Info(); ready && ok {
		clientInfo = info
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"isReady":     ready,
		"isConnected": ready,
		"clientInfo":  clientInfo,
		"session":     a.Sessions.Status(),
	})
}

func (a *API) handleQR(w http.ResponseWriter, r *http.Request) {
	if a.Sessions.Ready() {
		writeJSON(w, http.StatusOK, map[string]any{
			"hasQr":   false,
			"message": "WhatsApp is already connected",
		})
		return
	}

	if challenge, ok := a.Sessions.Challenge(); ok {
		b64, dataURL, err := renderQR(challenge)
		if err != nil {
			slog.Error("render qr code failed", "err", err)
			writeJSON(w, http.StatusOK, map[string]any{"hasQr": true, "qrCode": challenge})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"hasQr":     true,
			"qrCode":    b64,
			"qrDataUrl": dataURL,
			"rawQr":     challenge,
		})
		return
	}

	if !a.Sessions.Initializing() {
		ctx := context.WithoutCancel(r.Context())
		go func() {
			if err := a.Sessions.Connect(ctx); err != nil {
				slog.Warn("session connect from qr request failed", "err", err)
			}
		}()
		writeJSON(w, http.StatusOK, map[string]any{
			"hasQr":   false,
			"message": "Initializing WhatsApp client. Please try again in a few seconds.",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hasQr":   false,
		"message": "No QR code available. Client is initializing, please wait.",
	})
}

func (a *API) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if a.Sessions.Ready() {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "WhatsApp client is already connected",
		})
		return
	}

	slog.Info("manual reconnection attempt initiated")
	a.Sessions.ResetAttempts()
	if err := a.Sessions.Connect(r.Context()); err != nil {
		slog.Error("manual reconnection failed", "err", err)
		writeError(w, http.StatusInternalServerError, ErrReconnectFailed, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Reconnection attempt started. Check status in a few moments.",
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	err := a.Sessions.Logout(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Successfully logged out from WhatsApp",
		})
	case errors.Is(err, session.ErrNotReady):
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   "No active WhatsApp session to logout from",
		})
	default:
		slog.Error("logout failed", "err", err)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   "Failed to logout: " + err.Error(),
		})
	}
}

func (a *API) handleSessionHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"health":  a.Sessions.Probe(r.Context()),
	})
}
