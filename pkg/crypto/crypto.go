// Package crypto implements the rsachat public-key cryptosystem: prime
// sampling, modular arithmetic, keypair derivation, block encryption of
// arbitrary-length text and digest signatures.
//
// It is textbook RSA on math/big with no padding. Do not reuse it outside
// this project.
package crypto

import "errors"

const (
	// DefaultPrimeBits is the size of each prime; the modulus is twice that.
	DefaultPrimeBits = 1024

	// PrimalityRounds is the Miller-Rabin round count passed to ProbablyPrime.
	PrimalityRounds = 20

	// MaxPrimeAttempts bounds the candidates drawn by GeneratePrime.
	MaxPrimeAttempts = 100000

	// MaxExponentAttempts bounds the random public exponent search.
	MaxExponentAttempts = 1000
)

// FallbackExponents are tried in order once the random search gives up.
var FallbackExponents = []int64{65537, 257, 17, 5, 3}

var (
	// ErrNoInverse is returned when gcd(a, m) != 1.
	ErrNoInverse = errors.New("modular inverse does not exist")

	// ErrPrimeSearchExhausted is returned when no prime turned up in MaxPrimeAttempts draws.
	ErrPrimeSearchExhausted = errors.New("prime search exhausted")

	// ErrNoPublicExponent is returned when neither the random search nor the fallback list worked.
	ErrNoPublicExponent = errors.New("no valid public exponent")

	// ErrKeyInvariant signals a keypair that fails (e*d) mod phi == 1. It is fatal.
	ErrKeyInvariant = errors.New("keypair invariant violated")

	// ErrMessageTooLarge is returned when a plaintext integer is negative or >= n.
	ErrMessageTooLarge = errors.New("message must be in [0, n)")

	// ErrModulusTooSmall is returned when the modulus cannot hold a single
	// byte per block, or a digest for signing.
	ErrModulusTooSmall = errors.New("modulus too small")

	// ErrInvalidKey is returned for keys with missing or degenerate components.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidBlock is returned for a nil ciphertext block.
	ErrInvalidBlock = errors.New("invalid ciphertext block")

	// ErrNoBlocks is returned when decrypting an empty block list.
	ErrNoBlocks = errors.New("no ciphertext blocks")

	// ErrInvalidText is returned when decrypted bytes are not valid UTF-8.
	ErrInvalidText = errors.New("decrypted bytes are not valid UTF-8")
)
