package ipc

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	key, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	token := MintToken(key, "nonce-1", "deep.system.temp", "corr-1", time.Minute)
	nonce, err := ValidateToken(key, token, "deep.system.temp", "corr-1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if nonce != "nonce-1" {
		t.Fatalf("expected nonce-1, got %s", nonce)
	}
}

func TestTokenBoundToCapabilityAndCorrelation(t *testing.T) {
	key, _ := GenerateSessionKey()
	token := MintToken(key, "nonce-1", "deep.system.temp", "corr-1", time.Minute)

	if _, err := ValidateToken(key, token, "quick.memory.purge", "corr-1"); err == nil {
		t.Fatal("token must not validate for a different capability")
	}
	if _, err := ValidateToken(key, token, "deep.system.temp", "corr-2"); err == nil {
		t.Fatal("token must not validate for a different correlation id")
	}
}

func TestTokenRejectsWrongKey(t *testing.T) {
	key1, _ := GenerateSessionKey()
	key2, _ := GenerateSessionKey()

	token := MintToken(key1, "nonce-1", "deep.system.temp", "corr-1", time.Minute)
	if _, err := ValidateToken(key2, token, "deep.system.temp", "corr-1"); err == nil {
		t.Fatal("token must not validate under a different session key")
	}
}

func TestTokenExpiry(t *testing.T) {
	key, _ := GenerateSessionKey()
	token := MintToken(key, "nonce-1", "deep.system.temp", "corr-1", -time.Second)

	if _, err := ValidateToken(key, token, "deep.system.temp", "corr-1"); err == nil {
		t.Fatal("expired token must not validate")
	}
}

func TestReplayGuardSingleUse(t *testing.T) {
	guard := NewReplayGuard(time.Minute)

	if !guard.FirstUse("nonce-1") {
		t.Fatal("first use should be accepted")
	}
	if guard.FirstUse("nonce-1") {
		t.Fatal("second use of the same nonce must be rejected")
	}
	if !guard.FirstUse("nonce-2") {
		t.Fatal("unrelated nonce should be accepted")
	}
}
