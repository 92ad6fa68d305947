package guard

import (
	"errors"
	"strings"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"event_type":"message"}`)
	sig := SignBody("secret", body)

	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature format = %q", sig)
	}
	if !VerifySignature("secret", body, sig) {
		t.Fatal("valid signature rejected")
	}
	// Bare hex without the prefix is accepted too.
	if !VerifySignature("secret", body, strings.TrimPrefix(sig, "sha256=")) {
		t.Fatal("bare hex signature rejected")
	}
}

func TestVerifySignatureFailures(t *testing.T) {
	body := []byte("payload")
	sig := SignBody("secret", body)

	if VerifySignature("secret", []byte("tampered"), sig) {
		t.Fatal("tampered body accepted")
	}
	if VerifySignature("other-secret", body, sig) {
		t.Fatal("wrong secret accepted")
	}
	if VerifySignature("secret", body, "") {
		t.Fatal("missing signature accepted")
	}
	if VerifySignature("secret", body, "sha256=not-hex") {
		t.Fatal("malformed signature accepted")
	}
}

func TestVerifySignatureDisabledWithoutSecret(t *testing.T) {
	if !VerifySignature("", []byte("anything"), "") {
		t.Fatal("empty secret must disable verification")
	}
}

func TestValidateURL(t *testing.T) {
	if err := ValidateURL("ftp://host.example/x"); !errors.Is(err, ErrUnsafeScheme) {
		t.Fatalf("ftp scheme: %v", err)
	}
	if err := ValidateURL("http://127.0.0.1/hook"); !errors.Is(err, ErrSSRF) {
		t.Fatalf("loopback: %v", err)
	}
	if err := ValidateURL("https://10.0.0.5/hook"); !errors.Is(err, ErrSSRF) {
		t.Fatalf("private range: %v", err)
	}
	if err := ValidateURL("https://169.254.169.254/latest/meta-data"); !errors.Is(err, ErrSSRF) {
		t.Fatalf("link-local: %v", err)
	}
	if err := ValidateURL("https://0.0.0.0/"); !errors.Is(err, ErrSSRF) {
		t.Fatalf("unspecified: %v", err)
	}
	if err := ValidateURL("https://"); err == nil {
		t.Fatal("hostless URL accepted")
	}
	// Public IP literal needs no DNS and must pass.
	if err := ValidateURL("https://93.184.216.34/hook"); err != nil {
		t.Fatalf("public IP: %v", err)
	}
}
