package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type stubClient struct {
	calls  []string
	values map[string]string
	err    error
}

func (s *stubClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.calls = append(s.calls, req.GetName())
	if s.err != nil {
		return nil, s.err
	}
	value, ok := s.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "unknown secret")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}, nil
}

func (s *stubClient) Close() error { return nil }

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.local.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	return path
}

func TestResolveFromSecretManagerAndCache(t *testing.T) {
	client := &stubClient{values: map[string]string{
		"projects/shop-prod/secrets/stripe-api/versions/latest": "sk_live",
		"projects/other/secrets/widget-secret/versions/3":       "rzp_secret",
	}}
	f := NewFetcher(context.Background(), WithProject("shop-prod"), WithClient(client))

	for i := 0; i < 2; i++ {
		value, err := f.ResolveSecret(context.Background(), "sm://stripe/api")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if value != "sk_live" {
			t.Fatalf("unexpected value %q", value)
		}
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected cached second lookup, got calls %v", client.calls)
	}

	value, err := f.ResolveSecret(context.Background(), "secret://widget-secret?version=3&project=other")
	if err != nil {
		t.Fatalf("resolve with overrides: %v", err)
	}
	if value != "rzp_secret" {
		t.Fatalf("unexpected value %q", value)
	}
}

func TestResolveFallsBackWhenUnavailable(t *testing.T) {
	path := writeFallback(t, `{"stripe-webhook": "whsec_local", "session-key@2": "pinned"}`)
	client := &stubClient{err: status.Error(codes.Unavailable, "offline")}
	f := NewFetcher(context.Background(), WithProject("shop-dev"), WithClient(client), WithFallbackFile(path))

	value, err := f.ResolveSecret(context.Background(), "secret://stripe-webhook")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if value != "whsec_local" {
		t.Fatalf("unexpected value %q", value)
	}

	value, err = f.ResolveSecret(context.Background(), "secret://session-key?version=2")
	if err != nil {
		t.Fatalf("resolve pinned: %v", err)
	}
	if value != "pinned" {
		t.Fatalf("unexpected pinned value %q", value)
	}
}

func TestResolveWithoutProjectUsesFallbackOnly(t *testing.T) {
	path := writeFallback(t, `{"stripe-api": "sk_test"}`)
	f := NewFetcher(context.Background(), WithFallbackFile(path))

	value, err := f.ResolveSecret(context.Background(), "sm://stripe/api")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if value != "sk_test" {
		t.Fatalf("unexpected value %q", value)
	}
	if _, err := f.ResolveSecret(context.Background(), "sm://missing"); err == nil {
		t.Fatalf("expected missing secret error")
	}
}

func TestResolveSurfacesNonFallbackErrors(t *testing.T) {
	client := &stubClient{err: status.Error(codes.InvalidArgument, "bad name")}
	f := NewFetcher(context.Background(), WithProject("shop"), WithClient(client))
	if _, err := f.ResolveSecret(context.Background(), "secret://x"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseReferenceRejectsInvalid(t *testing.T) {
	for _, ref := range []string{"", "https://x", "secret://", "secret:///"} {
		if _, err := parseReference(ref); err == nil {
			t.Errorf("expected error for %q", ref)
		}
	}
}
