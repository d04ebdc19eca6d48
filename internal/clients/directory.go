package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"reminderd/internal/models"
)

// Directory resolves client contact details. Clients are owned by an
// external service; the engine only reads them, for the wire-level
// client join and for picking the recipient address of a delivery.
type Directory interface {
	Lookup(ctx context.Context, clientID string) (*models.Client, error)
}

// RecipientAddress picks the address a channel delivers to.
func RecipientAddress(c *models.Client, channel models.Channel) (string, error) {
	switch channel {
	case models.ChannelEmail:
		if c.Email == "" {
			return "", fmt.Errorf("%w: client has no email address", models.ErrValidation)
		}
		return c.Email, nil
	case models.ChannelSMS:
		if c.Phone == "" {
			return "", fmt.Errorf("%w: client has no phone number", models.ErrValidation)
		}
		return c.Phone, nil
	}
	return "", fmt.Errorf("%w: unknown channel %q", models.ErrValidation, channel)
}

// HTTPDirectory talks to the client service over its REST API.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDirectory(baseURL string) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

func (d *HTTPDirectory) Lookup(ctx context.Context, clientID string) (*models.Client, error) {
	url := d.baseURL + "/clients/" + clientID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build client lookup request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: client %s", models.ErrNotFound, clientID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("client lookup: unexpected status %d", resp.StatusCode)
	}

	var c models.Client
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode client: %w", err)
	}
	return &c, nil
}

// StaticDirectory serves a fixed client set. Used in tests and local
// development without the client service.
type StaticDirectory map[string]*models.Client

func (d StaticDirectory) Lookup(ctx context.Context, clientID string) (*models.Client, error) {
	c, ok := d[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client %s", models.ErrNotFound, clientID)
	}
	cp := *c
	return &cp, nil
}
