package sign

import (
	"encoding/json"
	"testing"
)

func TestInMemorySignerRoundTrip(t *testing.T) {
	s, err := GenerateInMemorySigner()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	payload := []byte("revision-bytes")
	sig, err := s.Sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !DefaultVerifier.Verify(s.PublicKey(), payload, sig) {
		t.Fatalf("expected signature to verify")
	}
	if DefaultVerifier.Verify(s.PublicKey(), []byte("tampered"), sig) {
		t.Fatalf("expected signature over different payload to fail")
	}
}

func TestPublicKeyJSONRoundTrip(t *testing.T) {
	s, err := GenerateInMemorySigner()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub := s.PublicKey()
	b, err := json.Marshal(pub)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got PublicKey
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != pub {
		t.Fatalf("round trip mismatch")
	}
}

func TestSignatureJSONRoundTrip(t *testing.T) {
	s, err := GenerateInMemorySigner()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	sig, err := s.Sign([]byte("x"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	b, err := json.Marshal(sig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Signature
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != sig {
		t.Fatalf("round trip mismatch")
	}
}
