package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := NewSealerFromBase64(key)
	if err != nil {
		t.Fatalf("NewSealerFromBase64: %v", err)
	}
	return s
}

func TestSealOpen(t *testing.T) {
	s := newTestSealer(t)
	secret := []byte(`{"refresh_token":"1//abc"}`)

	sealed, err := s.Seal(secret)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains([]byte(sealed), []byte("refresh_token")) {
		t.Fatal("sealed value leaks plaintext")
	}
	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Errorf("Open = %q, want %q", got, secret)
	}

	again, _ := s.Seal(secret)
	if again == sealed {
		t.Error("two seals of the same value must differ")
	}
}

func TestOpenRejectsTamperingAndForeignKeys(t *testing.T) {
	s := newTestSealer(t)
	other := newTestSealer(t)
	sealed, _ := s.Seal([]byte("secret"))

	if _, err := other.Open(sealed); !errors.Is(err, ErrDecryption) {
		t.Errorf("foreign key: err = %v", err)
	}
	if _, err := s.Open("not base64!"); !errors.Is(err, ErrDecryption) {
		t.Errorf("garbage: err = %v", err)
	}
	if _, err := s.Open("AAAA"); !errors.Is(err, ErrDecryption) {
		t.Errorf("short input: err = %v", err)
	}
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	if _, err := NewSealer([]byte("short")); err == nil {
		t.Error("expected error for short key")
	}
}
