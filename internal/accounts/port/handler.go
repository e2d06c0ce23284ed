// Package port exposes the account flows over HTTP/JSON.
package port

import (
	"context"
	"log/slog"
	"math"
	"net/http"

	"github.com/aelexs/wacrm/internal/accounts/app"
	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/errmap"
)

// accountService is a narrow, consumer-defined interface for the account
// operations the handler requires. The *app.AccountService satisfies this.
type accountService interface {
	ForgotPassword(ctx context.Context, email string) (*app.IssueResult, error)
	ResetPassword(ctx context.Context, email, code, newPassword string) error
	RequestPhoneCode(ctx context.Context, phone string) (*app.IssueResult, error)
	VerifyPhone(ctx context.Context, phone, code string) (*app.PhoneVerified, error)
	Register(ctx context.Context, p app.RegisterParams) (*domain.Account, error)
}

var _ accountService = (*app.AccountService)(nil)

// resetCodeOverride words a failed reset the way the reset form expects.
var resetCodeOverride = errmap.Override{
	Err:     domain.ErrInvalidOrExpiredCode,
	Message: "Invalid or expired reset code",
}

// Handler translates HTTP requests into AccountService calls.
type Handler struct {
	svc    accountService
	logger *slog.Logger
}

// NewHandler creates a Handler backed by the given AccountService.
func NewHandler(svc *app.AccountService, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,max=254"`
}

// ForgotPassword sends a recovery code to the account's WhatsApp number.
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if _, err := h.svc.ForgotPassword(r.Context(), req.Email); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{
		Success: true,
		Message: "Reset code sent to your WhatsApp number",
	})
}

type resetPasswordRequest struct {
	Email       string `json:"email" validate:"required,max=254"`
	ResetCode   string `json:"resetCode" validate:"required,max=16"`
	NewPassword string `json:"newPassword" validate:"required"`
}

// ResetPassword replaces the password once the reset code checks out.
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := h.svc.ResetPassword(r.Context(), req.Email, req.ResetCode, req.NewPassword); err != nil {
		writeError(w, r, h.logger, err, resetCodeOverride)
		return
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{
		Success: true,
		Message: "Password has been reset",
	})
}

type requestCodeRequest struct {
	Phone string `json:"phone" validate:"required,max=32"`
}

// RequestPhoneCode sends a verification code to a phone before registration.
func (h *Handler) RequestPhoneCode(w http.ResponseWriter, r *http.Request) {
	var req requestCodeRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.svc.RequestPhoneCode(r.Context(), req.Phone)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, CodeIssuedEnvelope{
		Success:           true,
		Message:           "Verification code sent to " + res.MaskedDestination,
		ExpiresAt:         res.ExpiresAt,
		RetryAfterSeconds: ceilSeconds(res.RetryAfter.Seconds()),
	})
}

type verifyPhoneRequest struct {
	Phone string `json:"phone" validate:"required,max=32"`
	Code  string `json:"code" validate:"required,max=16"`
}

// VerifyPhone exchanges a phone code for a registration token.
func (h *Handler) VerifyPhone(w http.ResponseWriter, r *http.Request) {
	var req verifyPhoneRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.svc.VerifyPhone(r.Context(), req.Phone, req.Code)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, PhoneVerifiedEnvelope{
		Success:           true,
		RegistrationToken: res.Ticket.Token,
		ExpiresAt:         res.Ticket.ExpiresAt,
	})
}

type registerRequest struct {
	RegistrationToken string `json:"registrationToken" validate:"required"`
	Email             string `json:"email" validate:"required,email,max=254"`
	Password          string `json:"password" validate:"required"`
	Name              string `json:"name" validate:"required,max=100"`
}

// Register creates the account for a verified phone.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	acct, err := h.svc.Register(r.Context(), app.RegisterParams{
		Ticket:   req.RegistrationToken,
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisteredEnvelope{Success: true, AccountID: acct.ID})
}

func ceilSeconds(s float64) int {
	if s <= 0 {
		return 0
	}
	return int(math.Ceil(s))
}
