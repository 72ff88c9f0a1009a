// Package sha256 includes tests for the SHA-256 hasher adapter.
package sha256

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if Sum("hello world") != got {
		t.Fatalf("expected Sum to match Hash")
	}
}

func TestSumDistinguishesURLs(t *testing.T) {
	t.Parallel()

	a := Sum("https://example.fr/a")
	b := Sum("https://example.fr/a/")
	if a == b {
		t.Fatal("expected raw URL variants to hash differently")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}
