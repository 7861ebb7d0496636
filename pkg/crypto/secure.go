package crypto

import (
	"fmt"
	"math/big"

	"github.com/awnumar/memguard"
)

// SealedPrivateKey keeps the private exponent in a memguard enclave and
// only materializes it for the duration of a single operation.
type SealedPrivateKey struct {
	n       *big.Int
	enclave *memguard.Enclave
}

// SealPrivateKey moves priv.D into an enclave. The caller should drop its
// own reference to the private key afterwards.
func SealPrivateKey(priv PrivateKey) (*SealedPrivateKey, error) {
	if !priv.Valid() {
		return nil, ErrInvalidKey
	}

	// NewBufferFromBytes wipes the slice it is given.
	enclave := memguard.NewBufferFromBytes(priv.D.Bytes()).Seal()
	if enclave == nil {
		return nil, fmt.Errorf("failed to seal private exponent")
	}

	return &SealedPrivateKey{n: new(big.Int).Set(priv.N), enclave: enclave}, nil
}

// Modulus returns n.
func (k *SealedPrivateKey) Modulus() *big.Int {
	return new(big.Int).Set(k.n)
}

// Use opens the enclave, hands the key to fn and destroys the plaintext copy.
func (k *SealedPrivateKey) Use(fn func(PrivateKey) error) error {
	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open private key enclave: %w", err)
	}
	defer buf.Destroy()

	return fn(PrivateKey{D: new(big.Int).SetBytes(buf.Bytes()), N: k.n})
}

// DecryptText decrypts blocks with the sealed key.
func (k *SealedPrivateKey) DecryptText(blocks []*big.Int) (text string, err error) {
	err = k.Use(func(priv PrivateKey) error {
		text, err = DecryptText(blocks, priv)
		return err
	})
	return text, err
}

// Decrypt decrypts a single integer with the sealed key.
func (k *SealedPrivateKey) Decrypt(c *big.Int) (m *big.Int, err error) {
	err = k.Use(func(priv PrivateKey) error {
		m, err = Decrypt(c, priv)
		return err
	})
	return m, err
}

// Sign signs message with the sealed key.
func (k *SealedPrivateKey) Sign(message string) (sig *big.Int, err error) {
	err = k.Use(func(priv PrivateKey) error {
		sig, err = Sign(message, priv)
		return err
	})
	return sig, err
}
