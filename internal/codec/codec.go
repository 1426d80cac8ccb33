// Package codec seals snapshots for transport between agent and collector.
//
// A token is the URL-safe base64 encoding of
//
//	[Version: 1 byte] [Nonce: 24 bytes] [Ciphertext+Tag: N+16 bytes]
//
// sealed with XChaCha20-Poly1305. The version byte and a SHA-256 digest of
// the presenting node credential are the additional authenticated data, so a
// token replayed under another node's credential fails to open. Version 0x02
// marks a zstd-compressed plaintext.
package codec

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bc-dunia/satori/internal/types"
)

const (
	VersionPlain byte = 0x01
	VersionZstd  byte = 0x02
)

// Overhead is the per-token byte overhead before base64: version + nonce + tag.
const Overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// MaxPlaintextSize bounds the decompressed plaintext accepted by Open.
const MaxPlaintextSize = 16 << 20

var encoding = base64.RawURLEncoding

// Codec seals and opens snapshot tokens. It is safe for concurrent use.
type Codec struct {
	key      []byte
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// Option configures a Codec.
type Option func(*Codec)

// WithCompression makes Seal compress plaintext with zstd before sealing.
// Open always accepts both versions.
func WithCompression(enabled bool) Option {
	return func(c *Codec) { c.compress = enabled }
}

// New derives the transport key from secret and builds a Codec.
func New(secret []byte, deriver KeyDeriver, opts ...Option) (*Codec, error) {
	if deriver == nil {
		deriver = SHA256Deriver{}
	}
	key, err := deriver.DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("derived key is %d bytes, want %d", len(key), KeySize)
	}

	c := &Codec{key: key}
	for _, opt := range opts {
		opt(c)
	}

	c.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder initialization failed: %w", err)
	}
	c.decoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPlaintextSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder initialization failed: %w", err)
	}
	return c, nil
}

// Encode serializes and seals a snapshot for the given node credential.
func (c *Codec) Encode(snap *types.Snapshot, credential string) (string, error) {
	plaintext, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	return c.Seal(plaintext, credential)
}

// Seal encrypts plaintext and returns a token.
func (c *Codec) Seal(plaintext []byte, credential string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	version := VersionPlain
	if c.compress {
		version = VersionZstd
		plaintext = c.encoder.EncodeAll(plaintext, nil)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), Overhead+len(plaintext))
	out[0] = version
	copy(out[1:], nonce[:])
	out = aead.Seal(out, nonce[:], plaintext, buildAAD(version, credential))
	return encoding.EncodeToString(out), nil
}

// Open authenticates and decrypts a token, returning the plaintext. Every
// failure is a *DecodeError and no partial plaintext is returned.
func (c *Codec) Open(token, credential string) ([]byte, error) {
	blob, err := encoding.DecodeString(token)
	if err != nil {
		return nil, &DecodeError{Reason: ReasonMalformed, Err: err}
	}
	if len(blob) < Overhead {
		return nil, &DecodeError{Reason: ReasonMalformed, Err: fmt.Errorf("token is %d bytes, minimum is %d", len(blob), Overhead)}
	}

	version := blob[0]
	if version != VersionPlain && version != VersionZstd {
		return nil, &DecodeError{Reason: ReasonVersion, Err: fmt.Errorf("version %d is not supported", version)}
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, &DecodeError{Reason: ReasonAuthentication, Err: err}
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, buildAAD(version, credential))
	if err != nil {
		return nil, &DecodeError{Reason: ReasonAuthentication, Err: err}
	}

	if version == VersionZstd {
		plaintext, err = c.decoder.DecodeAll(plaintext, nil)
		if err != nil {
			return nil, &DecodeError{Reason: ReasonMalformed, Err: fmt.Errorf("zstd decompress: %w", err)}
		}
	}
	if len(plaintext) > MaxPlaintextSize {
		return nil, &DecodeError{Reason: ReasonMalformed, Err: fmt.Errorf("plaintext exceeds %d bytes", MaxPlaintextSize)}
	}
	if !json.Valid(plaintext) {
		return nil, &DecodeError{Reason: ReasonMalformed, Err: fmt.Errorf("plaintext is not valid JSON")}
	}
	return plaintext, nil
}

// Decode opens a token and parses the snapshot it carries. Transport
// failures are *DecodeError; a well-formed plaintext that violates the
// category schemas is a *types.ValidationError.
func (c *Codec) Decode(token, credential string) (*types.Snapshot, error) {
	plaintext, err := c.Open(token, credential)
	if err != nil {
		return nil, err
	}
	return types.ParseSnapshot(plaintext)
}

func buildAAD(version byte, credential string) []byte {
	digest := sha256.Sum256([]byte(credential))
	aad := make([]byte, 1+len(digest))
	aad[0] = version
	copy(aad[1:], digest[:])
	return aad
}
