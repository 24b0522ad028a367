package core

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"

	"golang.org/x/crypto/curve25519"
)

// KeyPair material sizes, fixed by the crypto suite (spec §6 crypto_suite
// VELO_V1). Encryption keys are X25519; signing keys are Ed25519.
const (
	EncryptionPublicKeySize  = 32
	EncryptionPrivateKeySize = 32
	SigningPublicKeySize     = ed25519.PublicKeySize
	SigningPrivateKeySize    = ed25519.PrivateKeySize
)

// EncryptionKeyPair is an X25519 key-agreement keypair, adapted from the
// teacher's wallet.go Ed25519-only model: the handshake needs a separate
// Diffie-Hellman pair from the long-term signing identity, matching the
// source's agentd_enc_privkey / agentd_enc_pubkey split.
type EncryptionKeyPair struct {
	Public  [EncryptionPublicKeySize]byte
	Private [EncryptionPrivateKeySize]byte
}

// GenerateEncryptionKeyPair creates a new X25519 keypair.
func GenerateEncryptionKeyPair() (EncryptionKeyPair, error) {
	var kp EncryptionKeyPair
	if _, err := cryptorand.Read(kp.Private[:]); err != nil {
		return kp, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Zero overwrites the private key material, per spec §3's "buffers
// holding cryptographic secret material must be zeroed before release."
func (kp *EncryptionKeyPair) Zero() {
	for i := range kp.Private {
		kp.Private[i] = 0
	}
}

// SigningKeyPair is a long-term Ed25519 identity keypair, used by
// control-plane PRIVATE_KEY_SET / AUTH_ENTITY_ADD. Not used by the
// handshake's key agreement itself (that is EncryptionKeyPair); kept
// alongside it because the source provisions both per entity.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigningKeyPair creates a new Ed25519 keypair.
func GenerateSigningKeyPair() (SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return SigningKeyPair{}, err
	}
	return SigningKeyPair{Public: pub, Private: priv}, nil
}

// Zero overwrites the private key material.
func (kp *SigningKeyPair) Zero() {
	for i := range kp.Private {
		kp.Private[i] = 0
	}
}
