package port

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/errmap"
	"github.com/aelexs/wacrm/internal/observability"
)

// maxBodyBytes caps request bodies; every request here is a handful of
// short strings.
const maxBodyBytes = 16 << 10

// MessageEnvelope is the generic response wrapper.
type MessageEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// CodeIssuedEnvelope answers a phone verification code request.
type CodeIssuedEnvelope struct {
	Success           bool      `json:"success"`
	Message           string    `json:"message"`
	ExpiresAt         time.Time `json:"expiresAt"`
	RetryAfterSeconds int       `json:"retryAfterSeconds"`
}

// PhoneVerifiedEnvelope carries the registration ticket.
type PhoneVerifiedEnvelope struct {
	Success           bool      `json:"success"`
	RegistrationToken string    `json:"registrationToken"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// RegisteredEnvelope answers a successful registration.
type RegisteredEnvelope struct {
	Success   bool   `json:"success"`
	AccountID string `json:"accountId"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a public status and message. Unmapped errors are
// logged with their detail and reach the client as "internal error".
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, overrides ...errmap.Override) {
	he := errmap.ToHTTPError(err, overrides...)
	ctx := r.Context()
	logger = observability.WithTraceID(ctx, logger)
	switch {
	case domain.IsClientError(err):
		logger.DebugContext(ctx, "http.request_rejected",
			"path", r.URL.Path, "status_code", he.StatusCode, "code", he.Code)
	case domain.IsRetryable(err):
		logger.WarnContext(ctx, "http.request_retryable",
			"path", r.URL.Path, "status_code", he.StatusCode, "code", he.Code, "error", err)
	default:
		logger.ErrorContext(ctx, "http.request_failed",
			"path", r.URL.Path, "status_code", he.StatusCode, "error", err)
	}
	writeJSON(w, he.StatusCode, MessageEnvelope{Error: he.Message, Code: he.Code})
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeRequest reads a JSON body into dst and runs its validate tags. Every
// failure wraps domain.ErrInvalidInput with a message that is safe to show.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", domain.ErrInvalidInput)
	}
	if err := validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) || len(ve) == 0 {
			return fmt.Errorf("invalid request body: %w", domain.ErrInvalidInput)
		}
		return fmt.Errorf("%s: %w", describe(ve[0]), domain.ErrInvalidInput)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email address"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
