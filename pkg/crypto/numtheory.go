package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

var one = big.NewInt(1)

// GeneratePrime samples odd values of exactly bits bits until one passes
// the primality oracle. It gives up after MaxPrimeAttempts candidates.
func GeneratePrime(random io.Reader, bits int) (*big.Int, error) {
	if bits < 2 {
		return nil, fmt.Errorf("prime size too small: %d bits", bits)
	}
	if random == nil {
		random = rand.Reader
	}

	limit := new(big.Int).Lsh(one, uint(bits))
	for attempt := 0; attempt < MaxPrimeAttempts; attempt++ {
		p, err := rand.Int(random, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to sample prime candidate: %w", err)
		}
		// Top bit keeps the width, bottom bit keeps it odd.
		p.SetBit(p, bits-1, 1)
		p.SetBit(p, 0, 1)

		if p.ProbablyPrime(PrimalityRounds) {
			return p, nil
		}
	}

	return nil, fmt.Errorf("%w: %d bits after %d attempts", ErrPrimeSearchExhausted, bits, MaxPrimeAttempts)
}

// ExtendedGCD returns g = gcd(a, b) and Bezout coefficients x, y with
// a*x + b*y = g. It is iterative so deep inputs cannot exhaust the stack.
func ExtendedGCD(a, b *big.Int) (g, x, y *big.Int) {
	oldR, r := new(big.Int).Set(a), new(big.Int).Set(b)
	oldS, s := big.NewInt(1), big.NewInt(0)
	oldT, t := big.NewInt(0), big.NewInt(1)

	q := new(big.Int)
	tmp := new(big.Int)
	for r.Sign() != 0 {
		q.Div(oldR, r)

		tmp.Mul(q, r)
		oldR, r = r, new(big.Int).Sub(oldR, tmp)

		tmp.Mul(q, s)
		oldS, s = s, new(big.Int).Sub(oldS, tmp)

		tmp.Mul(q, t)
		oldT, t = t, new(big.Int).Sub(oldT, tmp)
	}

	return oldR, oldS, oldT
}

// ModInverse returns x in [0, m) with a*x ≡ 1 (mod m).
func ModInverse(a, m *big.Int) (*big.Int, error) {
	if m.Sign() <= 0 {
		return nil, fmt.Errorf("%w: modulus %s is not positive", ErrNoInverse, m)
	}

	g, x, _ := ExtendedGCD(new(big.Int).Mod(a, m), m)
	if g.Cmp(one) != 0 {
		return nil, fmt.Errorf("%w: gcd(%s, %s) = %s", ErrNoInverse, a, m, g)
	}

	// Mod is Euclidean in math/big, the result is never negative.
	return x.Mod(x, m), nil
}

// ModPow computes base^exp mod m by square-and-multiply. It returns 0 when
// m is 1 and always lands in [0, m). Negative exponents are not supported.
func ModPow(base, exp, m *big.Int) *big.Int {
	if m.Cmp(one) == 0 {
		return big.NewInt(0)
	}

	result := big.NewInt(1)
	b := new(big.Int).Mod(base, m)
	e := new(big.Int).Set(exp)

	for e.Sign() > 0 {
		if e.Bit(0) == 1 {
			result.Mul(result, b).Mod(result, m)
		}
		e.Rsh(e, 1)
		b.Mul(b, b).Mod(b, m)
	}

	return result
}

// gcd is the plain Euclidean algorithm; it is what the exponent search needs.
func gcd(a, b *big.Int) *big.Int {
	x, y := new(big.Int).Set(a), new(big.Int).Set(b)
	for y.Sign() != 0 {
		x, y = y, x.Mod(x, y)
	}
	return x
}
