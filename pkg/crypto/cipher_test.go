package crypto

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncryptStringRoundTrip(t *testing.T) {
	payload, err := EncryptString("orchestrator-key", "ghp_token")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if bytes.Contains(payload, []byte("ghp_token")) {
		t.Fatal("ciphertext leaks plaintext")
	}
	plain, err := DecryptToString("orchestrator-key", payload)
	if err != nil {
		t.Fatalf("DecryptToString: %v", err)
	}
	if plain != "ghp_token" {
		t.Fatalf("plaintext = %q, want %q", plain, "ghp_token")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	payload, err := EncryptString("key-a", "secret")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if _, err := DecryptToString("key-b", payload); err == nil {
		t.Fatal("wrong key accepted")
	}
}

func TestDecryptRejectsTruncatedPayload(t *testing.T) {
	if _, err := DecryptToString("key", []byte{0x01, 0x02}); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want %v", err, io.ErrUnexpectedEOF)
	}
}

func TestEncryptMapRoundTrip(t *testing.T) {
	values := map[string]string{"NPM_TOKEN": "abc", "NUGET_KEY": "def"}
	sealed, err := EncryptMap("key", values)
	if err != nil {
		t.Fatalf("EncryptMap: %v", err)
	}
	opened, err := DecryptMap("key", sealed)
	if err != nil {
		t.Fatalf("DecryptMap: %v", err)
	}
	if len(opened) != 2 || opened["NPM_TOKEN"] != "abc" || opened["NUGET_KEY"] != "def" {
		t.Fatalf("opened = %v", opened)
	}

	if out, err := EncryptMap("key", nil); err != nil || out != nil {
		t.Fatalf("nil bag = %v, %v", out, err)
	}
}
