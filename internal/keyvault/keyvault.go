// Package keyvault generates custodial keypairs and encrypts private keys at rest.
package keyvault

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/congo-pay/giftlock/internal/apperr"
)

const separator = ":"

// Keypair is a freshly generated account. PrivateKey is the raw 32-byte scalar.
type Keypair struct {
	Address    string
	PrivateKey []byte
}

// Vault encrypts with a key derived from the configured secret.
type Vault struct {
	key [32]byte
}

// New derives the vault key as SHA-256 of secret.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("keyvault: secret is required")
	}
	return &Vault{key: sha256.Sum256([]byte(secret))}, nil
}

// NewKeypair generates a secp256k1 account.
func (v *Vault) NewKeypair() (Keypair, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return Keypair{}, fmt.Errorf("generate key: %w", err)
	}
	return Keypair{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: crypto.FromECDSA(key),
	}, nil
}

// Encrypt seals plain and returns hex(nonce) + ":" + hex(ciphertext).
func (v *Vault) Encrypt(plain []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plain, nil)
	return hex.EncodeToString(nonce) + separator + hex.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any malformed input or authentication failure is
// reported as a decryption error.
func (v *Vault) Decrypt(cipherText string) ([]byte, error) {
	const op = "keyvault.Decrypt"
	nonceHex, bodyHex, ok := strings.Cut(cipherText, separator)
	if !ok {
		return nil, apperr.New(apperr.KindDecryption, op, "missing separator")
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDecryption, op, err)
	}
	body, err := hex.DecodeString(bodyHex)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDecryption, op, err)
	}
	aead, err := chacha20poly1305.NewX(v.key[:])
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDecryption, op, err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, apperr.New(apperr.KindDecryption, op, "bad nonce length")
	}
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDecryption, op, err)
	}
	return plain, nil
}

// PrivateKey decrypts cipherText and parses it as a secp256k1 key.
func (v *Vault) PrivateKey(cipherText string) (*ecdsa.PrivateKey, error) {
	raw, err := v.Decrypt(cipherText)
	if err != nil {
		return nil, err
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDecryption, "keyvault.PrivateKey", err)
	}
	return key, nil
}

// AddressOf returns the checksummed address controlled by key.
func AddressOf(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}
