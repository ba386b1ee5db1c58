package secrets

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aimerfeng/hookrelay/internal/models"
	"github.com/aimerfeng/hookrelay/internal/signer"
	"github.com/aimerfeng/hookrelay/internal/store"
	"github.com/google/uuid"
	"pgregory.net/rapid"
)

// TestProperty7_SecretRotationInvalidatesOld tests that for any payload, a signature
// made with the secret in effect before rotation no longer verifies afterwards,
// while one made with the new secret does.
func TestProperty7_SecretRotationInvalidatesOld(t *testing.T) {
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		mem := store.NewMemory()
		manager := NewManager(mem)

		initial, err := Generate()
		if err != nil {
			rt.Fatalf("Generate failed: %v", err)
		}
		sub := &models.Subscription{
			TenantID: "tenant-a",
			Name:     "crm",
			URL:      "https://example.test/hook",
			Events:   []string{"lead.created"},
			Enabled:  true,
			Secret:   initial,
		}
		if err := mem.CreateSubscription(ctx, sub); err != nil {
			rt.Fatalf("CreateSubscription failed: %v", err)
		}

		payload := rapid.SliceOfN(rapid.Byte(), 1, 512).Draw(rt, "payload")
		now := time.Now()
		ts := now.Unix()

		oldSig, err := signer.Sign(initial, payload, ts)
		if err != nil {
			rt.Fatalf("Sign failed: %v", err)
		}

		rotated, err := manager.Rotate(ctx, sub.TenantID, sub.ID)
		if err != nil {
			rt.Fatalf("Rotate failed: %v", err)
		}
		if rotated.Version != sub.SecretVersion+1 {
			rt.Fatalf("version = %d, want %d", rotated.Version, sub.SecretVersion+1)
		}

		current, err := mem.GetSubscription(ctx, sub.TenantID, sub.ID)
		if err != nil {
			rt.Fatalf("GetSubscription failed: %v", err)
		}
		stamp := signer.FormatTimestamp(ts)

		ok, err := signer.VerifyAt(now, current.Secret, payload, stamp, oldSig, 0)
		if err != nil || ok {
			rt.Fatalf("old signature verified after rotation (ok=%v err=%v)", ok, err)
		}

		newSig, err := signer.Sign(rotated.Secret, payload, ts)
		if err != nil {
			rt.Fatalf("Sign failed: %v", err)
		}
		ok, err = signer.VerifyAt(now, current.Secret, payload, stamp, newSig, 0)
		if err != nil || !ok {
			rt.Fatalf("new signature rejected (ok=%v err=%v)", ok, err)
		}
	})
}

// TestProperty8_GeneratedSecretsCarry256Bits tests the format and entropy of generated secrets.
func TestProperty8_GeneratedSecretsCarry256Bits(t *testing.T) {
	seen := map[string]bool{}
	rapid.Check(t, func(rt *rapid.T) {
		secret, err := Generate()
		if err != nil {
			rt.Fatalf("Generate failed: %v", err)
		}
		if !strings.HasPrefix(secret, SecretPrefix) {
			rt.Fatalf("secret %q lacks prefix", secret)
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(secret, SecretPrefix))
		if err != nil {
			rt.Fatalf("secret body is not base64url: %v", err)
		}
		if len(raw)*8 < 256 {
			rt.Fatalf("secret carries %d bits", len(raw)*8)
		}
		if seen[secret] {
			rt.Fatalf("duplicate secret %q", secret)
		}
		seen[secret] = true
	})
}

func TestMask(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		want   string
	}{
		{"empty", "", "****"},
		{"short", "abc", "****"},
		{"exactly four", "abcd", "****"},
		{"normal", "whsec_abcdefgh1234", "****1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Mask(tt.secret); got != tt.want {
				t.Errorf("Mask(%q) = %q, want %q", tt.secret, got, tt.want)
			}
		})
	}
}

func TestGenerateAPIKey(t *testing.T) {
	raw, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey failed: %v", err)
	}
	if !ValidAPIKeyFormat(raw) {
		t.Errorf("generated key %q fails its own format check", raw)
	}
	if hash != Hash(raw) {
		t.Error("hash does not match key")
	}
	if len(prefix) != APIKeyDisplayLen || !strings.HasPrefix(raw, prefix) {
		t.Errorf("unexpected display prefix %q", prefix)
	}
	if ValidAPIKeyFormat(raw[:len(raw)-1]) || ValidAPIKeyFormat("ak_"+raw[3:]) {
		t.Error("malformed keys accepted")
	}
}

func TestCipher_RoundTrip(t *testing.T) {
	c := NewCipher("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")

	rapid.Check(t, func(rt *rapid.T) {
		plaintext := rapid.SliceOf(rapid.Byte()).Draw(rt, "plaintext")
		ciphertext, nonce, err := c.Seal(plaintext)
		if err != nil {
			rt.Fatalf("Seal failed: %v", err)
		}
		opened, err := c.Open(ciphertext, nonce)
		if err != nil {
			rt.Fatalf("Open failed: %v", err)
		}
		if !bytes.Equal(opened, plaintext) {
			rt.Fatal("round trip changed the plaintext")
		}
	})
}

func TestCipher_WrongKeyFails(t *testing.T) {
	ciphertext, nonce, err := NewCipher("key-one").Seal([]byte("whsec_secret"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := NewCipher("key-two").Open(ciphertext, nonce); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

// brokenSecrets fails every secret write
type brokenSecrets struct {
	*store.Memory
}

func (brokenSecrets) ReplaceSubscriptionSecret(ctx context.Context, tenantID string, id uuid.UUID, secret string) (int, error) {
	return 0, errors.New("deadlock detected")
}

func TestRotate_FailureKeepsOldSecret(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sub := &models.Subscription{TenantID: "tenant-a", Name: "crm", URL: "https://example.test", Events: []string{"lead.created"}, Secret: "whsec_original"}
	if err := mem.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	rotated, err := NewManager(brokenSecrets{mem}).Rotate(ctx, sub.TenantID, sub.ID)
	if !errors.Is(err, ErrRotationFailed) {
		t.Fatalf("expected ErrRotationFailed, got %v", err)
	}
	if rotated != nil {
		t.Fatal("failed rotation returned a secret")
	}

	masked, err := NewManager(mem).Masked(ctx, sub.TenantID, sub.ID)
	if err != nil {
		t.Fatalf("Masked failed: %v", err)
	}
	if masked != "****inal" {
		t.Errorf("Masked = %q, want ****inal", masked)
	}

	if _, err := NewManager(mem).Rotate(ctx, sub.TenantID, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown subscription: got %v, want store.ErrNotFound", err)
	}
}
