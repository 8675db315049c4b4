// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

// Package crypt contains the cryptographic helpers shared by the client and the software TPM.
package crypt

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/canonical/go-sp800.108-kdf"
)

const (
	seedSize = 32

	// StorageLabel is the KDF label used to derive the symmetric key that protects the sensitive part of a blob.
	StorageLabel = "STORAGE"

	// Labels that bind a wrapped blob to its purpose.
	KeyBlobLabel   = "KEY"
	SealedLabel    = "SEAL"
	MigrateLabel   = "MIGRATE"
	TransportLabel = "TRANSPORT"
)

// KDFa performs the SP800-108 counter mode key derivation with a HMAC PRF.
func KDFa(hashAlg crypto.Hash, key, label, contextU, contextV []byte, sizeInBits int) []byte {
	context := make([]byte, len(contextU)+len(contextV))
	copy(context, contextU)
	copy(context[len(contextU):], contextV)
	return kdf.CounterModeKey(kdf.NewHMACPRF(hashAlg), key, label, context, uint32(sizeInBits))
}

// XORObfuscation masks data in place with a key stream derived from key and the supplied contexts. Calling it
// twice with the same arguments restores the original data.
func XORObfuscation(hashAlg crypto.Hash, key []byte, contextU, contextV, data []byte) {
	if len(data) == 0 {
		return
	}
	mask := KDFa(hashAlg, key, []byte("XOR"), contextU, contextV, len(data)*8)
	for i := range data {
		data[i] ^= mask[i]
	}
}

// WrapToPublic encrypts plaintext so that it can only be recovered by the holder of the private part of pub. A
// random seed is encrypted with RSA-OAEP using label, and the plaintext is encrypted with AES-256-GCM using a key
// derived from the seed.
func WrapToPublic(rnd io.Reader, pub *rsa.PublicKey, label, plaintext []byte) ([]byte, error) {
	if rnd == nil {
		rnd = rand.Reader
	}

	seed := make([]byte, seedSize)
	if _, err := io.ReadFull(rnd, seed); err != nil {
		return nil, fmt.Errorf("cannot obtain seed: %w", err)
	}

	encSeed, err := rsa.EncryptOAEP(crypto.SHA1.New(), rnd, pub, seed, label)
	if err != nil {
		return nil, fmt.Errorf("cannot encrypt seed: %w", err)
	}

	aead, err := newAEAD(seed, label)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())

	return aead.Seal(encSeed, nonce, plaintext, label), nil
}

// UnwrapWithPrivate recovers the plaintext from a blob created by WrapToPublic.
func UnwrapWithPrivate(priv *rsa.PrivateKey, label, blob []byte) ([]byte, error) {
	k := priv.Size()
	if len(blob) < k {
		return nil, errors.New("blob is too short")
	}

	seed, err := rsa.DecryptOAEP(crypto.SHA1.New(), nil, priv, blob[:k], label)
	if err != nil {
		return nil, fmt.Errorf("cannot decrypt seed: %w", err)
	}
	if len(seed) != seedSize {
		return nil, errors.New("invalid seed size")
	}

	aead, err := newAEAD(seed, label)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())

	plaintext, err := aead.Open(nil, nonce, blob[k:], label)
	if err != nil {
		return nil, fmt.Errorf("cannot decrypt payload: %w", err)
	}
	return plaintext, nil
}

func newAEAD(seed, label []byte) (cipher.AEAD, error) {
	symKey := KDFa(crypto.SHA256, seed, []byte(StorageLabel), label, nil, 256)
	c, err := aes.NewCipher(symKey)
	if err != nil {
		return nil, fmt.Errorf("cannot create cipher: %w", err)
	}
	return cipher.NewGCM(c)
}
