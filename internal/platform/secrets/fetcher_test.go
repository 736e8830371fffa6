package secrets

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type stubSecretClient struct {
	accessFunc func(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
	calls      int
}

func (s *stubSecretClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.calls++
	return s.accessFunc(ctx, req)
}

func (s *stubSecretClient) Close() error { return nil }

func payload(value string) *secretmanagerpb.AccessSecretVersionResponse {
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}
}

func TestResolveFetchesFromSecretManager(t *testing.T) {
	client := &stubSecretClient{
		accessFunc: func(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			if req.GetName() != "projects/meraki-test/secrets/stripe-key/versions/latest" {
				t.Fatalf("unexpected resource name %q", req.GetName())
			}
			return payload("sk_test_123"), nil
		},
	}

	fetcher, err := NewFetcher(context.Background(),
		WithSecretManagerClient(client),
		WithDefaultProject("meraki-test"),
		WithFallbackFile(""))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	value, err := fetcher.Resolve(context.Background(), "secret://stripe-key")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if value != "sk_test_123" {
		t.Fatalf("expected sk_test_123, got %q", value)
	}
}

func TestResolveCachesValues(t *testing.T) {
	client := &stubSecretClient{
		accessFunc: func(_ context.Context, _ *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			return payload("cached"), nil
		},
	}

	fetcher, err := NewFetcher(context.Background(),
		WithSecretManagerClient(client),
		WithDefaultProject("meraki-test"),
		WithFallbackFile(""))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := fetcher.Resolve(context.Background(), "secret://smtp-pass"); err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
	}
	if client.calls != 1 {
		t.Fatalf("expected a single remote fetch, got %d", client.calls)
	}
}

func TestResolveRetriesTransientFailures(t *testing.T) {
	client := &stubSecretClient{}
	client.accessFunc = func(_ context.Context, _ *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
		if client.calls < 2 {
			return nil, status.Error(codes.ResourceExhausted, "throttled")
		}
		return payload("eventually"), nil
	}

	fetcher, err := NewFetcher(context.Background(),
		WithSecretManagerClient(client),
		WithDefaultProject("meraki-test"),
		WithFallbackFile(""),
		WithMaxAttempts(3))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	value, err := fetcher.Resolve(context.Background(), "secret://flaky")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if value != "eventually" {
		t.Fatalf("expected eventually, got %q", value)
	}
	if client.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", client.calls)
	}
}

func TestResolveFallsBackOnPermissionDenied(t *testing.T) {
	dir := t.TempDir()
	fallback := filepath.Join(dir, "secrets.local")
	contents := strings.Join([]string{
		"# local development secrets",
		"secret://stripe-key=sk_local_789",
	}, "\n")
	if err := os.WriteFile(fallback, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed writing fallback file: %v", err)
	}

	client := &stubSecretClient{
		accessFunc: func(_ context.Context, _ *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			return nil, status.Error(codes.PermissionDenied, "no access")
		},
	}

	fetcher, err := NewFetcher(context.Background(),
		WithSecretManagerClient(client),
		WithDefaultProject("meraki-test"),
		WithFallbackFile(fallback))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	value, err := fetcher.Resolve(context.Background(), "secret://stripe-key")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if value != "sk_local_789" {
		t.Fatalf("expected fallback value, got %q", value)
	}
}

func TestResolveSurfacesNonFallbackErrors(t *testing.T) {
	client := &stubSecretClient{
		accessFunc: func(_ context.Context, _ *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			return nil, status.Error(codes.NotFound, "no such secret")
		},
	}

	fetcher, err := NewFetcher(context.Background(),
		WithSecretManagerClient(client),
		WithDefaultProject("meraki-test"),
		WithFallbackFile(""))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	if _, err := fetcher.Resolve(context.Background(), "secret://missing"); err == nil {
		t.Fatal("expected fetch error")
	}
}

func TestParseReferenceRejectsOtherSchemes(t *testing.T) {
	if _, err := parseReference("vault://stripe-key"); err == nil {
		t.Fatal("expected scheme error")
	}
	if _, err := parseReference(""); err == nil {
		t.Fatal("expected empty reference error")
	}
}

func TestParseReferenceExtractsOverrides(t *testing.T) {
	ref, err := parseReference("secret://stripe-key?version=4&project=other-proj")
	if err != nil {
		t.Fatalf("parseReference returned error: %v", err)
	}
	if ref.Secret != "stripe-key" {
		t.Fatalf("unexpected secret name %q", ref.Secret)
	}
	if ref.Version != "4" {
		t.Fatalf("unexpected version %q", ref.Version)
	}
	if ref.ProjectOverride != "other-proj" {
		t.Fatalf("unexpected project override %q", ref.ProjectOverride)
	}
	if ref.Canonical != "secret://stripe-key" {
		t.Fatalf("unexpected canonical form %q", ref.Canonical)
	}
}
