package auth

import "testing"

func TestGenerateAPIKey(t *testing.T) {
	plaintext, prefix, hash, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}

	if !LooksLikeAPIKey(plaintext) {
		t.Fatalf("expected generated key to have the %q prefix, got %q", apiKeyPrefix, plaintext)
	}
	if prefix == plaintext {
		t.Fatalf("expected display prefix to be shorter than the full key")
	}
	if hash != HashAPIKey(plaintext) {
		t.Fatalf("expected returned hash to match HashAPIKey(plaintext)")
	}
}

func TestGenerateAPIKeyUnique(t *testing.T) {
	a, _, _, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	b, _, _, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if a == b {
		t.Fatalf("expected two generated keys to differ")
	}
}

func TestHashAPIKeyDeterministic(t *testing.T) {
	if HashAPIKey("gaud_same") != HashAPIKey("gaud_same") {
		t.Fatalf("expected HashAPIKey to be deterministic")
	}
	if HashAPIKey("gaud_one") == HashAPIKey("gaud_two") {
		t.Fatalf("expected different keys to hash differently")
	}
}

func TestLooksLikeAPIKey(t *testing.T) {
	if !LooksLikeAPIKey("gaud_abc123") {
		t.Errorf("expected gaud_ prefixed value to look like an API key")
	}
	if LooksLikeAPIKey("opaque-session-token") {
		t.Errorf("expected non-prefixed value to not look like an API key")
	}
}
