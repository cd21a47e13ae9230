package transport

import (
	"crypto/ed25519"
	"testing"
)

func TestSignAndVerifyEnvelopeRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	sig := signEnvelope(priv, "id-1", "ping", 1000, []byte(`{"a":1}`))
	if err := verifyEnvelope(pub, "id-1", "ping", 1000, []byte(`{"a":1}`), sig); err != nil {
		t.Fatalf("expected signature to verify, got %v", err)
	}
}

func TestVerifyEnvelopeRejectsTamperedPayload(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	sig := signEnvelope(priv, "id-1", "ping", 1000, []byte(`{"a":1}`))
	if err := verifyEnvelope(pub, "id-1", "ping", 1000, []byte(`{"a":2}`), sig); err == nil {
		t.Fatal("expected verification to fail for a tampered payload")
	}
}

func TestVerifyEnvelopeRejectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	sig := signEnvelope(priv, "id-1", "ping", 1000, []byte(`{}`))
	if err := verifyEnvelope(otherPub, "id-1", "ping", 1000, []byte(`{}`), sig); err == nil {
		t.Fatal("expected verification to fail for a mismatched key")
	}
}

func TestVerifyEnvelopeRejectsMalformedSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := verifyEnvelope(pub, "id-1", "ping", 1000, []byte(`{}`), "not-hex"); err == nil {
		t.Fatal("expected a decode error for a non-hex signature")
	}
}
