package gateway

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func signDeviceJWT(t *testing.T, priv ed25519.PrivateKey, claims map[string]any) string {
	t.Helper()
	enc := func(v any) string {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return base64.RawURLEncoding.EncodeToString(raw)
	}
	signed := enc(map[string]string{"alg": "EdDSA", "typ": "JWT"}) + "." + enc(claims)
	sig := ed25519.Sign(priv, []byte(signed))
	return signed + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func TestEd25519JWTVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	verify := NewEd25519JWTVerifier(pub)

	principal, ok := verify(signDeviceJWT(t, priv, map[string]any{"sub": "device-7"}))
	if !ok || principal != "device-7" {
		t.Fatalf("principal = %q ok=%v; want device-7", principal, ok)
	}
}

func TestEd25519JWTVerifierRejectsExpired(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	verify := NewEd25519JWTVerifier(pub)

	token := signDeviceJWT(t, priv, map[string]any{"sub": "device-7", "exp": time.Now().Add(-time.Minute).Unix()})
	if _, ok := verify(token); ok {
		t.Fatal("expired token should be rejected")
	}
}

func TestEd25519JWTVerifierRejectsWrongKey(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	_, otherPriv, _ := ed25519.GenerateKey(nil)
	verify := NewEd25519JWTVerifier(pub)

	if _, ok := verify(signDeviceJWT(t, otherPriv, map[string]any{"sub": "device-7"})); ok {
		t.Fatal("token signed with another key should be rejected")
	}
}

func TestEd25519JWTVerifierRejectsGarbage(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	verify := NewEd25519JWTVerifier(pub)

	for _, token := range []string{"", "a.b", "not-a-jwt", "a.b.c"} {
		if _, ok := verify(token); ok {
			t.Fatalf("token %q should be rejected", token)
		}
	}
}
