package crypto

import (
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBits keeps key generation fast while leaving room for 128-bit digests.
const testBits = 160

var (
	sharedKeyOnce sync.Once
	sharedKey     *KeyPair
)

func testKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	sharedKeyOnce.Do(func() {
		kp, err := GenerateKeyPair(nil, testBits)
		if err != nil {
			t.Fatalf("GenerateKeyPair() error = %v", err)
		}
		sharedKey = kp
	})
	require.NotNil(t, sharedKey)
	return sharedKey
}

func TestGeneratePrime(t *testing.T) {
	for _, bits := range []int{8, 32, 64, 128} {
		p, err := GeneratePrime(nil, bits)
		require.NoError(t, err)
		assert.Equal(t, bits, p.BitLen(), "prime should have exactly %d bits", bits)
		assert.Equal(t, uint(1), p.Bit(0), "prime should be odd")
		assert.True(t, p.ProbablyPrime(PrimalityRounds))
	}
}

func TestGeneratePrime_TooSmall(t *testing.T) {
	_, err := GeneratePrime(nil, 1)
	assert.Error(t, err)
}

func TestExtendedGCD(t *testing.T) {
	tests := []struct {
		a, b, g int64
	}{
		{240, 46, 2},
		{17, 3120, 1},
		{3120, 17, 1},
		{12, 0, 12},
		{0, 7, 7},
		{99, 78, 3},
	}

	for _, tt := range tests {
		a, b := big.NewInt(tt.a), big.NewInt(tt.b)
		g, x, y := ExtendedGCD(a, b)
		assert.Equal(t, tt.g, g.Int64(), "gcd(%d, %d)", tt.a, tt.b)

		lhs := new(big.Int).Add(new(big.Int).Mul(a, x), new(big.Int).Mul(b, y))
		assert.Equal(t, 0, lhs.Cmp(g), "a*x + b*y should equal g for (%d, %d)", tt.a, tt.b)
	}
}

func TestModInverse(t *testing.T) {
	d, err := ModInverse(big.NewInt(17), big.NewInt(3120))
	require.NoError(t, err)
	assert.Equal(t, int64(2753), d.Int64())

	d, err = ModInverse(big.NewInt(-3), big.NewInt(11))
	require.NoError(t, err)
	assert.Equal(t, int64(7), d.Int64()) // -3 * 7 = -21 ≡ 1 (mod 11)
}

func TestModInverse_NoInverse(t *testing.T) {
	_, err := ModInverse(big.NewInt(6), big.NewInt(9))
	assert.True(t, errors.Is(err, ErrNoInverse))

	_, err = ModInverse(big.NewInt(3), big.NewInt(0))
	assert.True(t, errors.Is(err, ErrNoInverse))
}

func TestModPow(t *testing.T) {
	tests := []struct {
		name           string
		base, exp, mod int64
		want           int64
	}{
		{"textbook", 65, 17, 3233, 2790},
		{"inverse", 2790, 2753, 3233, 65},
		{"zero exponent", 12345, 0, 97, 1},
		{"modulus one", 12345, 678, 1, 0},
		{"modulus one zero exponent", 5, 0, 1, 0},
		{"base larger than modulus", 1000, 3, 7, 6},
		{"zero base", 0, 5, 13, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ModPow(big.NewInt(tt.base), big.NewInt(tt.exp), big.NewInt(tt.mod))
			assert.Equal(t, tt.want, got.Int64())
		})
	}
}

func TestModPow_MatchesStdlib(t *testing.T) {
	base, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	exp, _ := new(big.Int).SetString("98765432109876543210", 10)
	mod, _ := new(big.Int).SetString("1000000000000000000000000000057", 10)

	got := ModPow(base, exp, mod)
	want := new(big.Int).Exp(base, exp, mod)
	assert.Equal(t, 0, got.Cmp(want))
	assert.True(t, got.Sign() >= 0 && got.Cmp(mod) < 0)
}

func TestGenerateKeyPair(t *testing.T) {
	for i := 0; i < 3; i++ {
		kp, err := GenerateKeyPair(nil, 64)
		require.NoError(t, err)

		assert.NotEqual(t, 0, kp.P.Cmp(kp.Q), "p and q must differ")
		assert.True(t, kp.P.ProbablyPrime(PrimalityRounds))
		assert.True(t, kp.Q.ProbablyPrime(PrimalityRounds))
		assert.Equal(t, 0, new(big.Int).Mul(kp.P, kp.Q).Cmp(kp.Public.N))
		assert.Equal(t, 0, kp.Public.N.Cmp(kp.Private.N))

		phi := new(big.Int).Mul(new(big.Int).Sub(kp.P, one), new(big.Int).Sub(kp.Q, one))
		ed := new(big.Int).Mul(kp.Public.E, kp.Private.D)
		assert.Equal(t, int64(1), ed.Mod(ed, phi).Int64())

		assert.True(t, kp.Public.E.Cmp(big.NewInt(3)) >= 0)
		assert.True(t, kp.Public.E.Cmp(phi) < 0)
	}
}

func TestFindPublicExponent_Fallback(t *testing.T) {
	// phi = 4: no random candidate range, 65537/257/17/5 all fail the < phi check, 3 works.
	e, err := findPublicExponent(nil, big.NewInt(4))
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Int64())

	// phi = 2: nothing qualifies.
	_, err = findPublicExponent(nil, big.NewInt(2))
	assert.True(t, errors.Is(err, ErrNoPublicExponent))
}

func TestEncodeDecodeInt(t *testing.T) {
	for _, text := range []string{"", "a", "hello", "ciao 👋 è", strings.Repeat("x", 300)} {
		got, err := DecodeInt(EncodeInt(text))
		require.NoError(t, err)
		assert.Equal(t, text, got)
	}

	assert.Equal(t, int64(0x6869), EncodeInt("hi").Int64())

	_, err := DecodeInt(big.NewInt(0xff))
	assert.True(t, errors.Is(err, ErrInvalidText))
}

func TestEncryptDecrypt(t *testing.T) {
	kp := testKeyPair(t)

	m := big.NewInt(424242)
	c, err := Encrypt(m, kp.Public)
	require.NoError(t, err)

	got, err := Decrypt(c, kp.Private)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cmp(m))
}

func TestEncrypt_OutOfRange(t *testing.T) {
	kp := testKeyPair(t)

	_, err := Encrypt(new(big.Int).Set(kp.Public.N), kp.Public)
	assert.True(t, errors.Is(err, ErrMessageTooLarge))

	_, err = Encrypt(big.NewInt(-1), kp.Public)
	assert.True(t, errors.Is(err, ErrMessageTooLarge))

	_, err = Encrypt(big.NewInt(1), PublicKey{})
	assert.True(t, errors.Is(err, ErrInvalidKey))
}

func TestTextRoundTrip(t *testing.T) {
	kp := testKeyPair(t)

	tests := []struct {
		name       string
		text       string
		multiBlock bool
	}{
		{"empty", "", false},
		{"short", "hello", false},
		{"multi-byte short", "è👋", false},
		{"long ascii", strings.Repeat("The quick brown fox. ", 20), true},
		{"long multi-byte", strings.Repeat("città 🌍 naïve ", 15), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks, err := EncryptText(tt.text, kp.Public)
			require.NoError(t, err)
			assert.Equal(t, tt.multiBlock, len(blocks) > 1)

			got, err := DecryptText(blocks, kp.Private)
			require.NoError(t, err)
			assert.Equal(t, tt.text, got)
		})
	}
}

func TestEncryptText_BlockCount(t *testing.T) {
	kp := testKeyPair(t)
	size := BlockSize(kp.Public.N)
	require.Greater(t, size, 0)

	text := strings.Repeat("z", size*3+1)
	blocks, err := EncryptText(text, kp.Public)
	require.NoError(t, err)
	assert.Len(t, blocks, 4)
}

func TestEncryptText_ModulusTooSmall(t *testing.T) {
	// n = 61 * 53 = 3233 is 12 bits wide: BlockSize is 0.
	pub := PublicKey{E: big.NewInt(17), N: big.NewInt(3233)}
	_, err := EncryptText("this does not fit", pub)
	assert.True(t, errors.Is(err, ErrModulusTooSmall))
}

func TestDecryptText_NoBlocks(t *testing.T) {
	kp := testKeyPair(t)
	_, err := DecryptText(nil, kp.Private)
	assert.True(t, errors.Is(err, ErrNoBlocks))
}

func TestSignVerify(t *testing.T) {
	kp := testKeyPair(t)

	sig, err := Sign("hello", kp.Private)
	require.NoError(t, err)
	assert.True(t, Verify("hello", sig, kp.Public))
}

func TestCanSign(t *testing.T) {
	small, err := GenerateKeyPair(nil, 60)
	require.NoError(t, err)
	_, err = Sign("hello", small.Private)
	require.ErrorIs(t, err, ErrMessageTooLarge, "a 120-bit modulus cannot hold a 128-bit digest")

	tests := []struct {
		name string
		pub  PublicKey
		want bool
	}{
		{"120-bit modulus", small.Public, false},
		{"exactly digest width", PublicKey{E: big.NewInt(3), N: new(big.Int).Lsh(one, DigestBits-1)}, false},
		{"one bit wider", PublicKey{E: big.NewInt(3), N: new(big.Int).Lsh(one, DigestBits)}, true},
		{"empty key", PublicKey{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pub.CanSign())
		})
	}
}

func TestCanSign_MinPrimeBits(t *testing.T) {
	kp, err := GenerateKeyPair(nil, MinPrimeBits)
	require.NoError(t, err)
	assert.True(t, kp.Public.CanSign())

	sig, err := Sign("hello", kp.Private)
	require.NoError(t, err)
	assert.True(t, Verify("hello", sig, kp.Public))
}

func TestVerify_Tampered(t *testing.T) {
	kp := testKeyPair(t)
	other, err := GenerateKeyPair(nil, testBits)
	require.NoError(t, err)

	sig, err := Sign("hello", kp.Private)
	require.NoError(t, err)

	tests := []struct {
		name    string
		message string
		sig     *big.Int
		pub     PublicKey
	}{
		{"tampered message", "hellO", sig, kp.Public},
		{"tampered signature", "hello", new(big.Int).Add(sig, one), kp.Public},
		{"wrong key", "hello", sig, other.Public},
		{"nil signature", "hello", nil, kp.Public},
		{"negative signature", "hello", big.NewInt(-5), kp.Public},
		{"empty key", "hello", sig, PublicKey{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.False(t, Verify(tt.message, tt.sig, tt.pub))
			})
		})
	}
}

func TestSealedPrivateKey(t *testing.T) {
	kp := testKeyPair(t)

	sealed, err := SealPrivateKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, 0, sealed.Modulus().Cmp(kp.Public.N))

	text := strings.Repeat("sealed ", 40)
	blocks, err := EncryptText(text, kp.Public)
	require.NoError(t, err)

	got, err := sealed.DecryptText(blocks)
	require.NoError(t, err)
	assert.Equal(t, text, got)

	sig, err := sealed.Sign(text)
	require.NoError(t, err)
	assert.True(t, Verify(text, sig, kp.Public))

	c, err := Encrypt(big.NewInt(77), kp.Public)
	require.NoError(t, err)
	m, err := sealed.Decrypt(c)
	require.NoError(t, err)
	assert.Equal(t, int64(77), m.Int64())
}

func TestSealPrivateKey_Invalid(t *testing.T) {
	_, err := SealPrivateKey(PrivateKey{})
	assert.True(t, errors.Is(err, ErrInvalidKey))
}
