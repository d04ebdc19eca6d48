package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/wb-go/wbf/zlog"

	"reminderd/internal/models"
)

// Outcome error codes produced on this side of the wire. Provider-side
// codes pass through verbatim.
const (
	codeTimeout   = "ERR_TIMEOUT"
	codeTransport = "ERR_TRANSPORT"
)

// providerSender delivers messages through a JSON-over-HTTP provider
// API. Both the email and SMS providers in use speak the same shape:
// POST {to, template, data} with a bearer key, 2xx on acceptance,
// {code, message} body on rejection.
type providerSender struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewEmailSender builds the email provider transport.
func NewEmailSender(endpoint, apiKey string) Sender {
	return &providerSender{endpoint: endpoint, apiKey: apiKey, client: &http.Client{}}
}

// NewSMSSender builds the SMS provider transport.
func NewSMSSender(endpoint, apiKey string) Sender {
	return &providerSender{endpoint: endpoint, apiKey: apiKey, client: &http.Client{}}
}

type providerRequest struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Data     map[string]string `json:"data,omitempty"`
}

type providerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *providerSender) Send(ctx context.Context, msg Message) models.AttemptOutcome {
	body, err := json.Marshal(providerRequest{
		To:       msg.Recipient,
		Template: msg.TemplateKey,
		Data:     msg.Payload,
	})
	if err != nil {
		return models.AttemptOutcome{ErrorCode: codeTransport, ErrorMessage: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return models.AttemptOutcome{ErrorCode: codeTransport, ErrorMessage: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		code := codeTransport
		if errors.Is(err, context.DeadlineExceeded) {
			code = codeTimeout
		}
		return models.AttemptOutcome{ErrorCode: code, ErrorMessage: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return models.AttemptOutcome{Success: true}
	}

	perr := providerError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode)}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &perr); err != nil || perr.Code == "" {
		perr.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
	}
	if perr.Message == "" {
		perr.Message = http.StatusText(resp.StatusCode)
	}
	return models.AttemptOutcome{ErrorCode: perr.Code, ErrorMessage: perr.Message}
}

// ConsoleSender logs instead of sending. Local development stand-in
// for the real providers.
type ConsoleSender struct{}

func (ConsoleSender) Send(ctx context.Context, msg Message) models.AttemptOutcome {
	zlog.Logger.Info().
		Str("channel", string(msg.Channel)).
		Str("recipient", msg.Recipient).
		Str("template", msg.TemplateKey).
		Msg("console gateway: message delivered")
	return models.AttemptOutcome{Success: true}
}
