package auth

import (
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	j := NewJWT("secret", false, nil)

	token, err := j.IssueToken("device-1", "fp", "web")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !j.ValidateConnection("device-1", token) {
		t.Fatalf("freshly issued token rejected")
	}
}

func TestIssueRequiresDevice(t *testing.T) {
	j := NewJWT("secret", false, nil)
	if _, err := j.IssueToken("", "", ""); err == nil {
		t.Fatalf("expected error for empty device id")
	}
}

func TestRejectsForeignDevice(t *testing.T) {
	j := NewJWT("secret", false, nil)
	token, _ := j.IssueToken("device-1", "", "")
	if j.ValidateConnection("device-2", token) {
		t.Fatalf("token accepted for a different device")
	}
}

func TestRejectsWrongSecret(t *testing.T) {
	issuer := NewJWT("secret-a", false, nil)
	verifier := NewJWT("secret-b", false, nil)
	token, _ := issuer.IssueToken("device-1", "", "")
	if verifier.ValidateConnection("device-1", token) {
		t.Fatalf("token accepted across secrets")
	}
}

func TestRejectsExpiredToken(t *testing.T) {
	j := NewJWT("secret", false, nil)
	token, _ := j.IssueToken("device-1", "", "")

	j.now = func() time.Time { return time.Now().Add(DefaultTokenTTL + time.Hour) }
	if j.ValidateConnection("device-1", token) {
		t.Fatalf("expired token accepted")
	}
}

func TestRejectsMissingToken(t *testing.T) {
	j := NewJWT("secret", false, nil)
	if j.ValidateConnection("device-1", "") {
		t.Fatalf("empty token accepted in strict mode")
	}
}

func TestOptionalModeAcceptsAnything(t *testing.T) {
	j := NewJWT("secret", true, nil)
	if !j.ValidateConnection("device-1", "") {
		t.Fatalf("optional mode rejected an empty token")
	}
	if !j.ValidateConnection("device-1", "garbage") {
		t.Fatalf("optional mode rejected a malformed token")
	}
}
