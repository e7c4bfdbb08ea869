package stripe

import (
	"context"
	"testing"

	"github.com/angelmondragon/storebot/pkg/config"
)

func TestNewClientValidatesKeysPerEnvironment(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		cfg     config.StripeConfig
		wantErr bool
	}{
		{name: "test ok", cfg: config.StripeConfig{APIKey: "sk_test_123", Secret: "whsec_1", Env: "test"}},
		{name: "live ok", cfg: config.StripeConfig{APIKey: "rk_live_123", Secret: "whsec_1", Env: "live"}},
		{name: "live key in test", cfg: config.StripeConfig{APIKey: "sk_live_123", Secret: "whsec_1", Env: "test"}, wantErr: true},
		{name: "missing secret", cfg: config.StripeConfig{APIKey: "sk_test_123", Env: "test"}, wantErr: true},
		{name: "missing key", cfg: config.StripeConfig{Secret: "whsec_1"}, wantErr: true},
		{name: "unknown env", cfg: config.StripeConfig{APIKey: "sk_test_123", Secret: "whsec_1", Env: "staging"}, wantErr: true},
	}
	for _, tc := range cases {
		_, err := NewClient(ctx, tc.cfg, nil)
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}
}

func TestClientAccessors(t *testing.T) {
	client, err := NewClient(context.Background(), config.StripeConfig{APIKey: "sk_test_1", Secret: "whsec_abc", Currency: "EUR"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.SigningSecret() != "whsec_abc" {
		t.Fatalf("unexpected secret %q", client.SigningSecret())
	}
	if client.Currency() != "eur" {
		t.Fatalf("expected lowercase currency, got %q", client.Currency())
	}
	if client.Environment() != "test" {
		t.Fatalf("expected test env, got %q", client.Environment())
	}
	var nilClient *Client
	if nilClient.SigningSecret() != "" {
		t.Fatalf("nil client should return empty secret")
	}
}
