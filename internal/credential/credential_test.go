package credential

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEncryptDecryptRoundTripSealNull(t *testing.T) {
	plaintext := []byte("s3cr3t-value")
	blob, err := Encrypt(SealNull, "db-password", time.Time{}, nil, plaintext)
	if err != nil {
		t.Fatalf("Encrypt returned %v", err)
	}
	got, err := Decrypt(blob, nil)
	if err != nil {
		t.Fatalf("Decrypt returned %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestEncryptDecryptRoundTripSealHost(t *testing.T) {
	hostKey := []byte("this-host-key-material")
	plaintext := []byte("api-token")
	blob, err := Encrypt(SealHost, "api-token-name", time.Time{}, hostKey, plaintext)
	if err != nil {
		t.Fatalf("Encrypt returned %v", err)
	}
	if _, err := Decrypt(blob, nil); err == nil {
		t.Error("Decrypt without the host key should fail")
	}
	got, err := Decrypt(blob, hostKey)
	if err != nil {
		t.Fatalf("Decrypt with host key returned %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestDecryptExpiredBlob(t *testing.T) {
	blob, err := Encrypt(SealNull, "short-lived", time.Now().Add(-time.Hour), nil, []byte("x"))
	if err != nil {
		t.Fatalf("Encrypt returned %v", err)
	}
	if _, err := Decrypt(blob, nil); err != ErrExpired {
		t.Errorf("Decrypt = %v, want ErrExpired", err)
	}
}

func TestDecryptPlaintextFallsBackToBadMagic(t *testing.T) {
	if _, err := Decrypt([]byte("just a plain password"), nil); err != ErrBadMagic {
		t.Errorf("Decrypt = %v, want ErrBadMagic", err)
	}
}

func TestDecryptBase64WrappedBlob(t *testing.T) {
	plaintext := []byte("wrapped-secret")
	blob, err := Encrypt(SealNull, "wrapped", time.Time{}, nil, plaintext)
	if err != nil {
		t.Fatalf("Encrypt returned %v", err)
	}
	wrapped := []byte(base64.StdEncoding.EncodeToString(blob) + "\n")
	got, err := Decrypt(wrapped, nil)
	if err != nil {
		t.Fatalf("Decrypt of base64-wrapped blob returned %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestDecryptTruncatedBlob(t *testing.T) {
	blob, err := Encrypt(SealNull, "x", time.Time{}, nil, []byte("y"))
	if err != nil {
		t.Fatalf("Encrypt returned %v", err)
	}
	if _, err := Decrypt(blob[:10], nil); err != ErrTruncated {
		t.Errorf("Decrypt(truncated) = %v, want ErrTruncated", err)
	}
}

func TestResolveImportNonOverwritingAndFallback(t *testing.T) {
	dir := t.TempDir()
	origSearchPath := searchPath
	searchPath = []string{dir}
	t.Cleanup(func() { searchPath = origSearchPath })

	sealed, err := Encrypt(SealNull, "sealed.cred", time.Time{}, nil, []byte("sealed-value"))
	if err != nil {
		t.Fatalf("Encrypt returned %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sealed.cred"), sealed, 0600); err != nil {
		t.Fatalf("WriteFile returned %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plain.cred"), []byte("plain-value"), 0600); err != nil {
		t.Fatalf("WriteFile returned %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "skip.cred"), []byte("ignored"), 0600); err != nil {
		t.Fatalf("WriteFile returned %v", err)
	}

	existing := map[string][]byte{"skip.cred": []byte("already-set")}
	out, err := ResolveImport("*.cred", nil, existing)
	if err != nil {
		t.Fatalf("ResolveImport returned %v", err)
	}

	if got := string(out["sealed.cred"]); got != "sealed-value" {
		t.Errorf("sealed.cred = %q, want decrypted value", got)
	}
	if got := string(out["plain.cred"]); got != "plain-value" {
		t.Errorf("plain.cred = %q, want verbatim passthrough", got)
	}
	if _, present := out["skip.cred"]; present {
		t.Error("ResolveImport should not overwrite a name already in existing")
	}
}
