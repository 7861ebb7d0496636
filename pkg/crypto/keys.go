package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// PublicKey is the (e, n) half of a keypair.
type PublicKey struct {
	E *big.Int `json:"e"`
	N *big.Int `json:"n"`
}

// PrivateKey is the (d, n) half of a keypair.
type PrivateKey struct {
	D *big.Int `json:"d"`
	N *big.Int `json:"n"`
}

// KeyPair holds both halves plus the primes they were derived from.
// The primes are never serialized.
type KeyPair struct {
	Public  PublicKey  `json:"publicKey"`
	Private PrivateKey `json:"privateKey"`

	P *big.Int `json:"-"`
	Q *big.Int `json:"-"`
}

// Valid reports whether the key has both components set and a usable modulus.
func (k PublicKey) Valid() bool {
	return k.E != nil && k.N != nil && k.E.Sign() > 0 && k.N.Cmp(one) > 0
}

// Equal reports whether two public keys have the same exponent and modulus.
func (k PublicKey) Equal(other PublicKey) bool {
	if !k.Valid() || !other.Valid() {
		return false
	}
	return k.E.Cmp(other.E) == 0 && k.N.Cmp(other.N) == 0
}

// Valid reports whether the key has both components set and a usable modulus.
func (k PrivateKey) Valid() bool {
	return k.D != nil && k.N != nil && k.D.Sign() > 0 && k.N.Cmp(one) > 0
}

// GenerateKeyPair derives a keypair from two distinct primes of bits bits each.
func GenerateKeyPair(random io.Reader, bits int) (*KeyPair, error) {
	if random == nil {
		random = rand.Reader
	}

	p, err := GeneratePrime(random, bits)
	if err != nil {
		return nil, err
	}
	q, err := GeneratePrime(random, bits)
	if err != nil {
		return nil, err
	}
	for attempt := 0; p.Cmp(q) == 0; attempt++ {
		if attempt >= MaxPrimeAttempts {
			return nil, fmt.Errorf("%w: could not draw two distinct primes", ErrPrimeSearchExhausted)
		}
		if q, err = GeneratePrime(random, bits); err != nil {
			return nil, err
		}
	}

	n := new(big.Int).Mul(p, q)
	phi := new(big.Int).Mul(new(big.Int).Sub(p, one), new(big.Int).Sub(q, one))

	e, err := findPublicExponent(random, phi)
	if err != nil {
		return nil, err
	}

	d, err := ModInverse(e, phi)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyInvariant, err)
	}

	check := new(big.Int).Mul(e, d)
	if check.Mod(check, phi).Cmp(one) != 0 {
		return nil, fmt.Errorf("%w: (e*d) mod phi != 1", ErrKeyInvariant)
	}

	return &KeyPair{
		Public:  PublicKey{E: e, N: n},
		Private: PrivateKey{D: d, N: new(big.Int).Set(n)},
		P:       p,
		Q:       q,
	}, nil
}

// findPublicExponent draws e uniformly from [3, phi-1] until it is coprime
// with phi, then falls back to FallbackExponents.
func findPublicExponent(random io.Reader, phi *big.Int) (*big.Int, error) {
	if random == nil {
		random = rand.Reader
	}
	three := big.NewInt(3)

	// Size of [3, phi-1] is phi-3.
	span := new(big.Int).Sub(phi, three)
	if span.Sign() > 0 {
		for attempt := 0; attempt < MaxExponentAttempts; attempt++ {
			e, err := rand.Int(random, span)
			if err != nil {
				return nil, fmt.Errorf("failed to sample public exponent: %w", err)
			}
			e.Add(e, three)
			if gcd(e, phi).Cmp(one) == 0 {
				return e, nil
			}
		}
	}

	for _, v := range FallbackExponents {
		e := big.NewInt(v)
		if e.Cmp(phi) < 0 && gcd(e, phi).Cmp(one) == 0 {
			return e, nil
		}
	}

	return nil, ErrNoPublicExponent
}
