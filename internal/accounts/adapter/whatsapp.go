package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/otp"
)

var _ otp.DeliveryGateway = (*WhatsAppGateway)(nil)

// WhatsAppConfig configures the WhatsApp Cloud API gateway.
type WhatsAppConfig struct {
	BaseURL       string // e.g. https://graph.facebook.com
	APIVersion    string // e.g. v20.0
	PhoneNumberID string
	AccessToken   domain.SecretString
	// HTTPClient defaults to an otelhttp-instrumented client without a
	// timeout; deadlines come from the caller's context.
	HTTPClient *http.Client
}

// WhatsAppGateway sends text messages through the WhatsApp Cloud API.
type WhatsAppGateway struct {
	endpoint string
	token    domain.SecretString
	client   *http.Client
}

// NewWhatsAppGateway validates cfg and returns a gateway.
func NewWhatsAppGateway(cfg WhatsAppConfig) (*WhatsAppGateway, error) {
	if cfg.BaseURL == "" || cfg.APIVersion == "" || cfg.PhoneNumberID == "" || cfg.AccessToken.IsEmpty() {
		return nil, fmt.Errorf("whatsapp gateway: base url, api version, phone number id and access token: %w", domain.ErrConfigRequired)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &WhatsAppGateway{
		endpoint: fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(cfg.BaseURL, "/"), cfg.APIVersion, cfg.PhoneNumberID),
		token:    cfg.AccessToken,
		client:   client,
	}, nil
}

type whatsappText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type whatsappMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             whatsappText `json:"text"`
}

type whatsappError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send posts a text message to destination. The Cloud API expects the
// recipient without the leading '+'.
func (g *WhatsAppGateway) Send(ctx context.Context, destination, body string) error {
	ctx, span := tracer.Start(ctx, "whatsapp.send")
	defer span.End()

	payload, err := json.Marshal(whatsappMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(destination, "+"),
		Type:             "text",
		Text:             whatsappText{Body: body},
	})
	if err != nil {
		return fmt.Errorf("whatsapp gateway: encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("whatsapp gateway: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token.Expose())
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errors.Join(fmt.Errorf("whatsapp gateway: send to %s: %w", otp.MaskPhone(destination), err), domain.ErrUnavailable)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var apiErr whatsappError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
	err = fmt.Errorf("whatsapp gateway: send to %s: status %d: %s",
		otp.MaskPhone(destination), resp.StatusCode, apiErr.Error.Message)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return errors.Join(err, domain.ErrUnavailable)
	}
	return err
}
