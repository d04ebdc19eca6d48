package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"reminderd/internal/models"
)

func TestRecipientAddress(t *testing.T) {
	t.Parallel()
	c := &models.Client{Name: "Ada", Email: "ada@example.com", Phone: "+15550001"}

	addr, err := RecipientAddress(c, models.ChannelEmail)
	if err != nil || addr != "ada@example.com" {
		t.Fatalf("email address = %q, %v", addr, err)
	}

	addr, err = RecipientAddress(c, models.ChannelSMS)
	if err != nil || addr != "+15550001" {
		t.Fatalf("sms address = %q, %v", addr, err)
	}

	bare := &models.Client{Name: "Grace"}
	if _, err := RecipientAddress(bare, models.ChannelEmail); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("missing email: error = %v, want ErrValidation", err)
	}
	if _, err := RecipientAddress(bare, models.ChannelSMS); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("missing phone: error = %v, want ErrValidation", err)
	}
}

func TestHTTPDirectoryLookup(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/clients/client-1":
			json.NewEncoder(w).Encode(models.Client{Name: "Ada Lovelace", Email: "ada@example.com"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dir := NewHTTPDirectory(srv.URL)

	c, err := dir.Lookup(context.Background(), "client-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if c.Name != "Ada Lovelace" || c.Email != "ada@example.com" {
		t.Fatalf("client = %+v", c)
	}

	if _, err := dir.Lookup(context.Background(), "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown client: error = %v, want ErrNotFound", err)
	}
}

func TestStaticDirectory(t *testing.T) {
	t.Parallel()
	dir := StaticDirectory{"client-1": {Name: "Ada"}}

	c, err := dir.Lookup(context.Background(), "client-1")
	if err != nil || c.Name != "Ada" {
		t.Fatalf("lookup = %+v, %v", c, err)
	}

	// callers get a copy, not the shared entry
	c.Name = "mutated"
	again, _ := dir.Lookup(context.Background(), "client-1")
	if again.Name != "Ada" {
		t.Fatal("directory entry leaked by reference")
	}

	if _, err := dir.Lookup(context.Background(), "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}
