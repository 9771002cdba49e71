// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

// Credential encryption for secure storage of OAuth tokens and secrets.
//
// Algorithm:
//   - AES-256-GCM (authenticated encryption)
//   - 12-byte random nonce per sealed value, stored alongside the ciphertext
//   - Per-purpose subkeys derived from the 32-byte master key with HKDF-SHA256
//
// The master key arrives base64-encoded in FLUX_ENCRYPTION_KEY. Nonces are
// regenerated on every Seal, so re-encrypting identical plaintext yields
// different ciphertext.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// masterKeySize is the required master key length in bytes (256 bits).
	masterKeySize = 32

	// gcmNonceSize is the size of the GCM nonce in bytes.
	gcmNonceSize = 12

	// hkdfSalt binds derived keys to Flux's credential encryption use case.
	hkdfSalt = "flux-credential-encryption"

	// credentialKeyInfo is the HKDF info parameter for the credential subkey.
	credentialKeyInfo = "credentials-v1"

	// stateKeyInfo is the HKDF info parameter for the OAuth state subkey.
	stateKeyInfo = "oauth-state-v1"
)

var (
	// ErrInvalidKey is returned when the master key is missing or malformed.
	ErrInvalidKey = errors.New("encryption key must be 32 bytes, base64-encoded")

	// ErrEmptyPlaintext is returned when attempting to seal empty data.
	ErrEmptyPlaintext = errors.New("plaintext cannot be empty")

	// ErrDecryptionFailed is returned when decryption fails (wrong key or
	// tampered ciphertext).
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or authentication tag")

	// ErrInvalidCiphertext is returned when the ciphertext format is invalid.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
)

// Encryptor provides AES-256-GCM sealing for credential values. Each value
// is sealed with its own random nonce; Open authenticates before returning.
type Encryptor struct {
	aead cipher.AEAD

	// stateKey is the HKDF-derived subkey for OAuth state-token HMACs.
	stateKey []byte
}

// NewEncryptor builds an Encryptor from a base64-encoded 32-byte master key.
func NewEncryptor(masterKeyB64 string) (*Encryptor, error) {
	if masterKeyB64 == "" {
		return nil, ErrInvalidKey
	}

	master, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil || len(master) != masterKeySize {
		return nil, ErrInvalidKey
	}

	credKey, err := deriveKey(master, credentialKeyInfo)
	if err != nil {
		return nil, err
	}
	stateKey, err := deriveKey(master, stateKeyInfo)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(credKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Encryptor{aead: aead, stateKey: stateKey}, nil
}

// Seal encrypts plaintext and returns base64 ciphertext and base64 nonce.
// The nonce is freshly generated on every call.
func (e *Encryptor) Seal(plaintext string) (ciphertext, nonce string, err error) {
	if plaintext == "" {
		return "", "", ErrEmptyPlaintext
	}

	rawNonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, rawNonce); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nil, rawNonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(rawNonce), nil
}

// Open decrypts a Seal result. Tampering with either the ciphertext or the
// nonce fails authentication.
func (e *Encryptor) Open(ciphertext, nonce string) (string, error) {
	if ciphertext == "" || nonce == "" {
		return "", ErrInvalidCiphertext
	}

	rawCT, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrInvalidCiphertext)
	}
	rawNonce, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil || len(rawNonce) != gcmNonceSize {
		return "", fmt.Errorf("%w: bad nonce", ErrInvalidCiphertext)
	}
	if len(rawCT) < e.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrInvalidCiphertext)
	}

	plaintext, err := e.aead.Open(nil, rawNonce, rawCT, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// StateKey returns the derived subkey for signing OAuth state tokens.
func (e *Encryptor) StateKey() []byte {
	return e.stateKey
}

// ValidateSetup performs a round-trip seal/open to confirm the encryptor
// works before any credential is written.
func (e *Encryptor) ValidateSetup() error {
	const sample = "encryption-validation-sample"

	ct, nonce, err := e.Seal(sample)
	if err != nil {
		return fmt.Errorf("encryption test failed: %w", err)
	}
	out, err := e.Open(ct, nonce)
	if err != nil {
		return fmt.Errorf("decryption test failed: %w", err)
	}
	if out != sample {
		return errors.New("round-trip validation failed: data mismatch")
	}
	return nil
}

// MaskCredential returns a masked version of a credential for display.
// Shows only the last 4 characters preceded by asterisks.
func MaskCredential(credential string) string {
	if credential == "" {
		return ""
	}
	if len(credential) <= 4 {
		return "****"
	}
	return "****..." + credential[len(credential)-4:]
}

// deriveKey derives a 256-bit subkey from the master key with HKDF-SHA256.
func deriveKey(master []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, master, []byte(hkdfSalt), []byte(info))
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("read HKDF output: %w", err)
	}
	return key, nil
}
