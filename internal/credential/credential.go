// Package credential implements the encrypted credential blob codec used
// by LoadCredentialEncrypted= (§4.3 step 7 / §6): a fixed binary envelope
// sealed with AES-256-GCM under a key derived from either a well-known
// null seal or a host-specific key file.
package credential

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Magic is the fixed 4-byte header identifying an encrypted credential
// blob; anything else is treated as a plaintext credential and passed
// through verbatim.
var Magic = [4]byte{'s', 'H', 'c', 0}

// SealType selects the key-derivation scheme.
type SealType uint32

const (
	// SealNull derives the key from SHA-256(name) alone — usable by
	// any host, intended for test fixtures and non-secret defaults.
	SealNull SealType = iota
	// SealHost derives the key from SHA-256(hostKey || name) — portable
	// only to hosts holding the same host key.
	SealHost
)

// searchPath is the fixed, ordered list of system credential stores
// consulted by ImportCredential=, adopted verbatim from the original
// implementation (SUPPLEMENTED FEATURE #6).
var searchPath = []string{
	"/run/credentials/@system",
	"/run/credstore",
	"/etc/credstore",
}

// SearchPath returns the fixed credential store search order.
func SearchPath() []string {
	out := make([]string, len(searchPath))
	copy(out, searchPath)
	return out
}

const nonceSize = 12
const tagSize = 16

// ErrBadMagic is returned by Decrypt when the blob doesn't start with Magic;
// callers should fall back to treating the input as a plaintext credential.
var ErrBadMagic = errors.New("credential: not an encrypted blob")

// ErrExpired is returned when the blob's NotAfter has passed.
var ErrExpired = errors.New("credential: blob has expired")

// ErrTruncated is returned when the blob is shorter than its declared
// structure requires.
var ErrTruncated = errors.New("credential: blob truncated")

// Blob is a decoded encrypted credential envelope.
type Blob struct {
	Seal      SealType
	Timestamp time.Time
	NotAfter  time.Time // zero means no expiry
	Name      string
	Nonce     [nonceSize]byte
	Ciphertext []byte // includes the trailing 16-byte GCM tag
}

// Encrypt seals plaintext under name, using hostKey when seal is SealHost
// (nil hostKey is only valid for SealNull).
func Encrypt(seal SealType, name string, notAfter time.Time, hostKey, plaintext []byte) ([]byte, error) {
	key, err := deriveKey(seal, name, hostKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: new gcm: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("credential: read nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce[:], plaintext, nil)

	var buf bytes.Buffer
	buf.Write(Magic[:])
	writeUint32(&buf, uint32(seal))
	writeUint64(&buf, uint64(time.Now().Unix()))
	var notAfterUnix uint64
	if !notAfter.IsZero() {
		notAfterUnix = uint64(notAfter.Unix())
	}
	writeUint64(&buf, notAfterUnix)
	writeUint32(&buf, uint32(len(name)))
	buf.WriteString(name)
	buf.Write(nonce[:])
	buf.Write(ciphertext)

	return buf.Bytes(), nil
}

// Decrypt parses and opens an encrypted credential blob. Returns
// ErrBadMagic if the input isn't one of ours (callers should then treat
// the raw bytes as a plaintext credential value, never fatally).
func Decrypt(data []byte, hostKey []byte) ([]byte, error) {
	blob, err := parseBlob(data)
	if err != nil {
		return nil, err
	}

	if !blob.NotAfter.IsZero() && time.Now().After(blob.NotAfter) {
		return nil, ErrExpired
	}

	key, err := deriveKey(blob.Seal, blob.Name, hostKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, blob.Nonce[:], blob.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credential: decrypt: %w", err)
	}
	return plaintext, nil
}

func parseBlob(data []byte) (*Blob, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], Magic[:]) {
		// Try a base64-wrapped envelope before giving up, per the
		// base64-or-raw contract.
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(decoded, bytes.TrimSpace(data))
		if err == nil && n >= 4 && bytes.Equal(decoded[:4], Magic[:]) {
			return parseBlob(decoded[:n])
		}
		return nil, ErrBadMagic
	}

	const headerMin = 4 + 4 + 8 + 8 + 4
	if len(data) < headerMin {
		return nil, ErrTruncated
	}

	off := 4
	seal := SealType(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	tsUnix := binary.LittleEndian.Uint64(data[off:])
	off += 8
	notAfterUnix := binary.LittleEndian.Uint64(data[off:])
	off += 8
	nameLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4

	if len(data) < off+nameLen+nonceSize+tagSize {
		return nil, ErrTruncated
	}
	name := string(data[off : off+nameLen])
	off += nameLen

	var nonce [nonceSize]byte
	copy(nonce[:], data[off:off+nonceSize])
	off += nonceSize

	ciphertext := data[off:]

	blob := &Blob{
		Seal:       seal,
		Timestamp:  time.Unix(int64(tsUnix), 0),
		Name:       name,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}
	if notAfterUnix != 0 {
		blob.NotAfter = time.Unix(int64(notAfterUnix), 0)
	}
	return blob, nil
}

func deriveKey(seal SealType, name string, hostKey []byte) ([]byte, error) {
	switch seal {
	case SealNull:
		sum := sha256.Sum256([]byte(name))
		return sum[:], nil
	case SealHost:
		if len(hostKey) == 0 {
			return nil, errors.New("credential: host seal requires a host key")
		}
		h := sha256.New()
		h.Write(hostKey)
		h.Write([]byte(name))
		return h.Sum(nil), nil
	default:
		return nil, fmt.Errorf("credential: unknown seal type %d", seal)
	}
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// LoadHostKey reads the node's host credential key, used for SealHost.
// A missing key file is not an error at call sites that only need
// SealNull support; this helper just centralizes the read.
func LoadHostKey(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// ResolveImport finds every credential in the fixed search path whose
// filename matches glob, decrypting each if it looks like a sealed blob,
// passing it through raw otherwise. Names already present in existing
// (from SetCredential=/LoadCredential=) are skipped — imports never
// overwrite (§4.3 step 7's non-overwriting rule).
func ResolveImport(glob string, hostKey []byte, existing map[string][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, dir := range searchPath {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // store not present on this host; not an error
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			matched, err := filepath.Match(glob, entry.Name())
			if err != nil || !matched {
				continue
			}
			if _, already := existing[entry.Name()]; already {
				continue
			}
			if _, already := out[entry.Name()]; already {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				continue
			}
			// Any rejection (bad magic, expired, truncated, unsupported
			// seal) falls back to the raw bytes verbatim rather than
			// failing the whole import, so a service capable of
			// decrypting it itself still works (§4.3 step 7).
			plain, err := Decrypt(raw, hostKey)
			if err != nil {
				out[entry.Name()] = raw
				continue
			}
			out[entry.Name()] = plain
		}
	}
	return out, nil
}
