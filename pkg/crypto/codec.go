package crypto

import (
	"fmt"
	"math/big"
	"unicode/utf8"
)

// EncodeInt converts text to the integer of its big-endian UTF-8 bytes.
func EncodeInt(text string) *big.Int {
	return new(big.Int).SetBytes([]byte(text))
}

// DecodeInt is the inverse of EncodeInt. Zero decodes to "".
func DecodeInt(n *big.Int) (string, error) {
	if n == nil || n.Sign() == 0 {
		return "", nil
	}
	return decodeBytes(n.Bytes())
}

func decodeBytes(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", ErrInvalidText
	}
	return string(b), nil
}

// Encrypt computes m^e mod n. The plaintext must lie in [0, n).
func Encrypt(m *big.Int, pub PublicKey) (*big.Int, error) {
	if !pub.Valid() {
		return nil, ErrInvalidKey
	}
	if m.Sign() < 0 || m.Cmp(pub.N) >= 0 {
		return nil, fmt.Errorf("%w: plaintext has %d bits, modulus %d", ErrMessageTooLarge, m.BitLen(), pub.N.BitLen())
	}
	return ModPow(m, pub.E, pub.N), nil
}

// Decrypt computes c^d mod n.
func Decrypt(c *big.Int, priv PrivateKey) (*big.Int, error) {
	if !priv.Valid() {
		return nil, ErrInvalidKey
	}
	if c == nil {
		return nil, ErrInvalidBlock
	}
	return ModPow(c, priv.D, priv.N), nil
}

// BlockSize is the number of plaintext bytes per chunk for modulus n.
func BlockSize(n *big.Int) int {
	return (n.BitLen()-1)/8 - 1
}

// EncryptText encrypts text under pub. Text whose integer value fits below
// the modulus becomes a single block; anything larger is split into
// BlockSize chunks of raw bytes, each encrypted independently in order.
func EncryptText(text string, pub PublicKey) ([]*big.Int, error) {
	if !pub.Valid() {
		return nil, ErrInvalidKey
	}

	m := EncodeInt(text)
	if m.Cmp(pub.N) < 0 {
		c, err := Encrypt(m, pub)
		if err != nil {
			return nil, err
		}
		return []*big.Int{c}, nil
	}

	size := BlockSize(pub.N)
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d-bit modulus", ErrModulusTooSmall, pub.N.BitLen())
	}

	raw := []byte(text)
	blocks := make([]*big.Int, 0, (len(raw)+size-1)/size)
	for i := 0; i < len(raw); i += size {
		end := i + size
		if end > len(raw) {
			end = len(raw)
		}
		c, err := Encrypt(new(big.Int).SetBytes(raw[i:end]), pub)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", len(blocks), err)
		}
		blocks = append(blocks, c)
	}

	return blocks, nil
}

// DecryptText reverses EncryptText. In the multi-block case a block that
// decrypts to zero contributes a single NUL byte.
func DecryptText(blocks []*big.Int, priv PrivateKey) (string, error) {
	switch len(blocks) {
	case 0:
		return "", ErrNoBlocks
	case 1:
		m, err := Decrypt(blocks[0], priv)
		if err != nil {
			return "", err
		}
		return DecodeInt(m)
	}

	var raw []byte
	for i, c := range blocks {
		m, err := Decrypt(c, priv)
		if err != nil {
			return "", fmt.Errorf("block %d: %w", i, err)
		}
		if m.Sign() == 0 {
			raw = append(raw, 0)
			continue
		}
		raw = append(raw, m.Bytes()...)
	}

	return decodeBytes(raw)
}
