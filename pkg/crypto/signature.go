package crypto

import (
	"crypto/sha256"
	"math/big"
)

// digestBytes is how much of the SHA-256 sum feeds the signature integer
// (the first 32 hex characters).
const digestBytes = 16

const (
	// DigestBits is the width of Digest. A signing modulus must be wider.
	DigestBits = digestBytes * 8

	// MinPrimeBits is the smallest prime size whose modulus exceeds every
	// digest: two primes with the top bit set give n >= 2^(2*bits-2).
	MinPrimeBits = DigestBits/2 + 1
)

// CanSign reports whether k's modulus is wide enough for signatures, and
// therefore for the login challenge, which is far smaller than a digest.
func (k PublicKey) CanSign() bool {
	return k.Valid() && k.N.BitLen() > DigestBits
}

// Digest maps a message to the integer that gets signed.
func Digest(message string) *big.Int {
	sum := sha256.Sum256([]byte(message))
	return new(big.Int).SetBytes(sum[:digestBytes])
}

// Sign raises the message digest to the private exponent mod n.
func Sign(message string, priv PrivateKey) (*big.Int, error) {
	if !priv.Valid() {
		return nil, ErrInvalidKey
	}
	// The private half is used in the public-key position: (d, n).
	return Encrypt(Digest(message), PublicKey{E: priv.D, N: priv.N})
}

// Verify recomputes the digest and compares it with signature^e mod n.
// It never panics; any failure reads as an invalid signature.
func Verify(message string, signature *big.Int, pub PublicKey) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	if signature == nil || signature.Sign() < 0 || !pub.Valid() {
		return false
	}

	recovered := ModPow(signature, pub.E, pub.N)
	return recovered.Cmp(Digest(message)) == 0
}
