package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pliu/relaychat/internal/auth"
	"github.com/pliu/relaychat/internal/logging"
)

type RequestOTPRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type VerifyOTPRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	OTP   string `json:"otp"`
}

type AuthHandler struct {
	Service *auth.Service
	Logger  logging.Logger
}

func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var req RequestOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.Service.RequestOTP(r.Context(), req.Email, req.Name)
	switch {
	case errors.Is(err, auth.ErrBadRequest):
		writeMessage(w, http.StatusBadRequest, "Email and name required")
		return
	case err != nil:
		h.Logger.Error(r.Context(), "request otp failed", "err", err)
		writeMessage(w, http.StatusInternalServerError, "Server error")
		return
	}

	writeMessage(w, http.StatusOK, "OTP sent (check email or console)")
}

func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := h.Service.VerifyOTP(r.Context(), req.Email, req.Name, req.OTP)
	switch {
	case errors.Is(err, auth.ErrBadRequest):
		writeMessage(w, http.StatusBadRequest, "Email, name, OTP required")
		return
	case errors.Is(err, auth.ErrInvalidOTP):
		writeMessage(w, http.StatusBadRequest, "Invalid OTP")
		return
	case errors.Is(err, auth.ErrExpiredOTP):
		writeMessage(w, http.StatusBadRequest, "OTP expired")
		return
	case err != nil:
		h.Logger.Error(r.Context(), "verify otp failed", "err", err)
		writeMessage(w, http.StatusInternalServerError, "Server error")
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
