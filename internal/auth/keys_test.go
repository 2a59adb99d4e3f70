package auth

import (
	"strings"
	"testing"
)

func TestHashKey_Deterministic(t *testing.T) {
	key := "my-secret-key"
	hash1 := HashKey(key)
	hash2 := HashKey(key)

	if hash1 != hash2 {
		t.Errorf("HashKey is not deterministic: %v != %v", hash1, hash2)
	}
	if len(hash1) != 64 {
		t.Errorf("HashKey() returned %d chars, want 64", len(hash1))
	}
}

func TestHashKey_TrimsWhitespace(t *testing.T) {
	if HashKey("  test-api-key  ") != HashKey("test-api-key") {
		t.Error("HashKey did not trim surrounding whitespace")
	}
}

func TestHashKey_EmptyString(t *testing.T) {
	// SHA-256 of the empty string.
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := HashKey(""); got != want {
		t.Errorf("HashKey(\"\") = %v, want %v", got, want)
	}
}

func TestHashKey_DifferentInputsDifferentOutputs(t *testing.T) {
	if HashKey("key1") == HashKey("key2") {
		t.Error("Different keys produced same hash")
	}
}

func TestGenerateKey(t *testing.T) {
	key1, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	key2, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if !strings.HasPrefix(key1, KeyPrefix) {
		t.Errorf("key %q missing prefix %q", key1, KeyPrefix)
	}
	// prefix + 32 bytes hex encoded
	if len(key1) != len(KeyPrefix)+64 {
		t.Errorf("key length = %d, want %d", len(key1), len(KeyPrefix)+64)
	}
	if key1 == key2 {
		t.Error("two generated keys are identical")
	}
}
