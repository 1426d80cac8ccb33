package codec

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of the derived transport key.
const KeySize = 32

// KeyDeriver turns an operator-provisioned secret into a transport key.
//
// The baseline deployment shares one secret across every node, so leaking it
// exposes the payloads of all nodes. A per-node scheme can be introduced by
// supplying a different KeyDeriver without touching the sealing format.
type KeyDeriver interface {
	DeriveKey(secret []byte) ([]byte, error)
}

// SHA256Deriver derives the key as SHA-256(secret).
type SHA256Deriver struct{}

func (SHA256Deriver) DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("transport secret is empty")
	}
	sum := sha256.Sum256(secret)
	return sum[:], nil
}

// HKDFDeriver derives the key with HKDF-SHA256 using an optional salt and a
// domain-separating info string.
type HKDFDeriver struct {
	Salt []byte
	Info []byte
}

var defaultHKDFInfo = []byte("satori.transport.v1")

func (d HKDFDeriver) DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("transport secret is empty")
	}
	info := d.Info
	if len(info) == 0 {
		info = defaultHKDFInfo
	}
	reader := hkdf.New(sha256.New, secret, d.Salt, info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return key, nil
}

// DeriverByName resolves a configured derivation name ("sha256" or "hkdf").
func DeriverByName(name string) (KeyDeriver, error) {
	switch name {
	case "", "sha256":
		return SHA256Deriver{}, nil
	case "hkdf":
		return HKDFDeriver{}, nil
	default:
		return nil, fmt.Errorf("unknown key derivation %q", name)
	}
}
