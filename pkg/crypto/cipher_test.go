package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealSecretsRoundTrip(t *testing.T) {
	s, err := NewSealer("k3y")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	sealed, err := s.SealSecrets(map[string]string{"NPM_TOKEN": "abc"})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if bytes.Contains(sealed, []byte("abc")) {
		t.Fatalf("expected ciphertext not to contain the secret")
	}
	again, err := s.SealSecrets(map[string]string{"NPM_TOKEN": "abc"})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if bytes.Equal(sealed, again) {
		t.Fatalf("expected a fresh nonce per payload")
	}

	opened, err := s.OpenSecrets(sealed)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if opened["NPM_TOKEN"] != "abc" {
		t.Fatalf("unexpected secrets %v", opened)
	}
}

func TestOpenRejectsForeignKeyAndTampering(t *testing.T) {
	a, _ := NewSealer("one")
	b, _ := NewSealer("two")
	sealed, err := a.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Fatalf("expected open with another key to fail")
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := a.Open(sealed); err == nil {
		t.Fatalf("expected tampered payload to fail")
	}
	if _, err := a.Open([]byte{1, 2}); err == nil {
		t.Fatalf("expected short payload to fail")
	}
}

func TestEmptyInputs(t *testing.T) {
	if _, err := NewSealer("  "); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	s, _ := NewSealer("k")
	sealed, err := s.SealSecrets(nil)
	if err != nil || sealed != nil {
		t.Fatalf("expected nil payload, got %v %v", sealed, err)
	}
	opened, err := s.OpenSecrets(nil)
	if err != nil || opened != nil {
		t.Fatalf("expected nil map, got %v %v", opened, err)
	}
}
