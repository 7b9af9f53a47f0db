package security

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestPasswordHasherRoundTrip(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)
	hash, err := h.Hash("Str0ng!pass")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "Str0ng!pass" {
		t.Fatal("hash must not equal plaintext")
	}
	if err := h.Compare(hash, "Str0ng!pass"); err != nil {
		t.Fatalf("compare matching password: %v", err)
	}
	if err := h.Compare(hash, "wrong"); err == nil {
		t.Fatal("expected mismatch error")
	}
	h.CompareDummy("anything")
}

func TestNewPasswordHasherClampsCost(t *testing.T) {
	if got := NewPasswordHasher(1).Cost; got != bcrypt.MinCost {
		t.Fatalf("expected min cost, got %d", got)
	}
	if got := NewPasswordHasher(99).Cost; got != bcrypt.MaxCost {
		t.Fatalf("expected max cost, got %d", got)
	}
	if got := NewPasswordHasher(0).Cost; got != bcrypt.DefaultCost {
		t.Fatalf("expected default cost, got %d", got)
	}
}
