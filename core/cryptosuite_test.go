package core

import (
	"bytes"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func genX25519KeyPair(t *testing.T, seed byte) (priv [EncryptionPrivateKeySize]byte, pub [EncryptionPublicKeySize]byte) {
	t.Helper()
	for i := range priv {
		priv[i] = seed + byte(i)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("X25519 basepoint mult: %v", err)
	}
	copy(pub[:], p)
	return priv, pub
}

func TestComputeSharedSecretAgrees(t *testing.T) {
	serverPriv, serverPub := genX25519KeyPair(t, 1)
	clientPriv, clientPub := genX25519KeyPair(t, 2)

	serverNonce := []byte("server-key-nonce")
	clientNonce := []byte("client-key-nonce")

	serverSide, err := ComputeSharedSecret(serverPriv, clientPub, serverNonce, clientNonce)
	if err != nil {
		t.Fatalf("server side: %v", err)
	}
	clientSide, err := ComputeSharedSecret(clientPriv, serverPub, serverNonce, clientNonce)
	if err != nil {
		t.Fatalf("client side: %v", err)
	}

	if serverSide != clientSide {
		t.Fatalf("expected both sides to derive the same shared secret")
	}
}

func TestComputeSharedSecretDiffersByNonce(t *testing.T) {
	serverPriv, _ := genX25519KeyPair(t, 1)
	_, clientPub := genX25519KeyPair(t, 2)

	a, err := ComputeSharedSecret(serverPriv, clientPub, []byte("n1"), []byte("n2"))
	if err != nil {
		t.Fatalf("a: %v", err)
	}
	b, err := ComputeSharedSecret(serverPriv, clientPub, []byte("n1-different"), []byte("n2"))
	if err != nil {
		t.Fatalf("b: %v", err)
	}
	if a == b {
		t.Fatalf("expected differing nonces to produce differing secrets")
	}
}

func TestShortMACBindsMessageAndChallenge(t *testing.T) {
	var secret SharedSecret
	for i := range secret {
		secret[i] = byte(i)
	}
	message := []byte("handshake-ack-fields")
	challenge := []byte("client-challenge-nonce")

	mac1, err := ShortMAC(secret, message, challenge)
	if err != nil {
		t.Fatalf("mac1: %v", err)
	}
	mac2, err := ShortMAC(secret, message, challenge)
	if err != nil {
		t.Fatalf("mac2: %v", err)
	}
	if !bytes.Equal(mac1, mac2) {
		t.Fatalf("expected deterministic MAC for identical inputs")
	}

	mac3, err := ShortMAC(secret, message, []byte("different-challenge"))
	if err != nil {
		t.Fatalf("mac3: %v", err)
	}
	if bytes.Equal(mac1, mac3) {
		t.Fatalf("expected MAC to change when challenge changes")
	}
}

func TestSealOpenFrameRoundTrip(t *testing.T) {
	var secret SharedSecret
	copy(secret[:], []byte("0123456789abcdef0123456789abcdef"))
	aead, err := AEAD(secret)
	if err != nil {
		t.Fatalf("aead: %v", err)
	}

	plaintext := []byte("latest-block-id-get response")
	ciphertext := SealFrame(aead, 42, plaintext)

	got, err := OpenFrame(aead, 42, ciphertext)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}

	if _, err := OpenFrame(aead, 43, ciphertext); err == nil {
		t.Fatalf("expected open under wrong IV to fail")
	}
}

func TestSharedSecretZero(t *testing.T) {
	var s SharedSecret
	for i := range s {
		s[i] = 0xff
	}
	s.Zero()
	for i, b := range s {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %x", i, b)
		}
	}
}
