package core

import (
	"crypto/ed25519"

	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

// GenerateMnemonic returns a fresh BIP-39 mnemonic with entropyBits of
// entropy, adapted from the teacher's NewRandomWallet for agentd's long-
// term identity provisioning (cmd/agentctl keygen) rather than an HD
// account tree.
func GenerateMnemonic(entropyBits int) (string, error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// KeyPairsFromMnemonic derives an agent's long-term encryption and
// signing keypairs from a mnemonic and optional passphrase. The BIP-39
// seed is split into independent domains via blake2b-keyed hashing
// (rather than the teacher's BIP-32 child-key derivation, which agentd
// has no use for) so that the encryption and signing keys are
// cryptographically independent even though both derive from the same
// seed.
func KeyPairsFromMnemonic(mnemonic, passphrase string) (EncryptionKeyPair, SigningKeyPair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return EncryptionKeyPair{}, SigningKeyPair{}, NewStatusError("keygen.mnemonic", StatusMalformedRequest, nil)
	}
	seed := bip39.NewSeed(mnemonic, passphrase)

	encSeed, err := derivedDomain(seed, "agentd-encryption-key-v1")
	if err != nil {
		return EncryptionKeyPair{}, SigningKeyPair{}, err
	}
	signSeed, err := derivedDomain(seed, "agentd-signing-key-v1")
	if err != nil {
		return EncryptionKeyPair{}, SigningKeyPair{}, err
	}

	var enc EncryptionKeyPair
	copy(enc.Private[:], encSeed)
	pub, err := curve25519.X25519(enc.Private[:], curve25519.Basepoint)
	if err != nil {
		return EncryptionKeyPair{}, SigningKeyPair{}, err
	}
	copy(enc.Public[:], pub)

	signPriv := ed25519.NewKeyFromSeed(signSeed[:ed25519.SeedSize])
	sign := SigningKeyPair{Public: signPriv.Public().(ed25519.PublicKey), Private: signPriv}

	return enc, sign, nil
}

// derivedDomain hashes seed under a fixed domain-separation label,
// producing 32 bytes of key material independent of any other domain
// derived from the same seed.
func derivedDomain(seed []byte, label string) ([]byte, error) {
	h, err := blake2b.New256([]byte(label))
	if err != nil {
		return nil, err
	}
	h.Write(seed)
	return h.Sum(nil), nil
}
