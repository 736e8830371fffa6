package storage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/meraki-bazaar/api/internal/platform/auth"
)

func testSigner(t *testing.T) Signer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	raw, err := json.Marshal(map[string]string{
		"client_email": "signer@meraki-test.iam.gserviceaccount.com",
		"private_key":  string(pemBytes),
	})
	if err != nil {
		t.Fatalf("marshal service account json: %v", err)
	}

	signer, err := NewServiceAccountSignerFromJSON(raw)
	if err != nil {
		t.Fatalf("NewServiceAccountSignerFromJSON: %v", err)
	}
	return signer
}

func TestSignedDownloadURLForOwner(t *testing.T) {
	now := time.Date(2024, 4, 2, 12, 0, 0, 0, time.UTC)
	client, err := NewClient(testSigner(t), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	result, err := client.SignedDownloadURL(context.Background(), "meraki-invoices", "orders/ord_1/invoices/MB-2024-000001.pdf", DownloadOptions{
		Identity:     &auth.Identity{UID: "user-1", Roles: []string{auth.RoleUser}},
		OwnerID:      "user-1",
		ExpiresIn:    10 * time.Minute,
		Disposition:  `attachment; filename="MB-2024-000001.pdf"`,
		ResponseType: "application/pdf",
	})
	if err != nil {
		t.Fatalf("SignedDownloadURL: %v", err)
	}

	if result.Method != "GET" {
		t.Fatalf("expected GET, got %s", result.Method)
	}
	if got, want := result.ExpiresAt, now.Add(10*time.Minute); !got.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, got)
	}

	parsed, err := url.Parse(result.URL)
	if err != nil {
		t.Fatalf("parse signed url: %v", err)
	}
	if !strings.Contains(parsed.Path, "orders/ord_1/invoices/MB-2024-000001.pdf") {
		t.Fatalf("unexpected object path in %s", parsed.Path)
	}
	if parsed.Query().Get("response-content-type") != "application/pdf" {
		t.Fatalf("expected response-content-type param, got %s", parsed.RawQuery)
	}
}

func TestSignedDownloadURLDeniesStranger(t *testing.T) {
	client, err := NewClient(testSigner(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.SignedDownloadURL(context.Background(), "meraki-invoices", "orders/ord_1/invoices/x.pdf", DownloadOptions{
		Identity: &auth.Identity{UID: "user-2", Roles: []string{auth.RoleUser}},
		OwnerID:  "user-1",
	})
	if err != ErrPermissionDenied {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestSignedDownloadURLAllowsAdmin(t *testing.T) {
	client, err := NewClient(testSigner(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, err := client.SignedDownloadURL(context.Background(), "meraki-invoices", "orders/ord_1/invoices/x.pdf", DownloadOptions{
		Identity: &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}},
		OwnerID:  "user-1",
	}); err != nil {
		t.Fatalf("expected admin access, got %v", err)
	}
}

func TestSignedDownloadURLRejectsLongExpiry(t *testing.T) {
	client, err := NewClient(testSigner(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.SignedDownloadURL(context.Background(), "meraki-invoices", "orders/ord_1/invoices/x.pdf", DownloadOptions{
		Identity:  &auth.Identity{UID: "user-1", Roles: []string{auth.RoleUser}},
		OwnerID:   "user-1",
		ExpiresIn: time.Hour,
	})
	if err != errExpiryTooLong {
		t.Fatalf("expected errExpiryTooLong, got %v", err)
	}
}

func TestSignedDownloadURLRejectsMutatingMethods(t *testing.T) {
	client, err := NewClient(testSigner(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.SignedDownloadURL(context.Background(), "meraki-invoices", "orders/ord_1/invoices/x.pdf", DownloadOptions{
		Method:         "PUT",
		AllowAnonymous: true,
	})
	if err != errMethodNotAllowed {
		t.Fatalf("expected errMethodNotAllowed, got %v", err)
	}
}
