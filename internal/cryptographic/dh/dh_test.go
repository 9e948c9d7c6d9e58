package dh

import (
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"mtproto_core/internal/mterr"
)

func testPrime(t *testing.T) *big.Int {
	t.Helper()
	return DefaultPrime()
}

func TestDefaultPrime(t *testing.T) {
	a := require.New(t)
	p := DefaultPrime()
	a.Equal(2048, p.BitLen())
	a.True(p.ProbablyPrime(64))

	q := new(big.Int).Rsh(p, 1)
	a.True(q.ProbablyPrime(64), "(p-1)/2 must be prime")
	a.Equal(int64(2), new(big.Int).Mod(p, big.NewInt(3)).Int64())

	// 3 has order (p-1)/2.
	a.Equal(int64(1), Exp(big.NewInt(DefaultG), q, p).Int64())
	a.NoError(CheckPG(p, big.NewInt(DefaultG)))
}

func TestCheckPG(t *testing.T) {
	p := testPrime(t)
	g := big.NewInt(3)

	t.Run("Valid", func(t *testing.T) {
		require.NoError(t, CheckPG(p, g))
	})
	t.Run("Composite", func(t *testing.T) {
		composite := new(big.Int).Add(p, big.NewInt(1))
		err := CheckPG(composite, g)
		require.Error(t, err)
		require.True(t, mterr.IsSecurity(err))
	})
	t.Run("TooSmall", func(t *testing.T) {
		small, err := rand.Prime(rand.Reader, 1024)
		require.NoError(t, err)
		require.Error(t, CheckPG(small, g))
	})
	t.Run("TooBig", func(t *testing.T) {
		big2049 := new(big.Int).Lsh(p, 1)
		big2049.Add(big2049, big.NewInt(1))
		require.Error(t, CheckPG(big2049, g))
	})
	t.Run("GeneratorBounds", func(t *testing.T) {
		pMinusOne := new(big.Int).Sub(p, big.NewInt(1))
		for _, bad := range []*big.Int{big.NewInt(0), big.NewInt(1), pMinusOne, p} {
			require.Error(t, CheckPG(p, bad), bad.String())
		}
		require.NoError(t, CheckPG(p, big.NewInt(2)))
	})
}

func TestCheckGA(t *testing.T) {
	p := testPrime(t)
	pMinusOne := new(big.Int).Sub(p, big.NewInt(1))
	low := new(big.Int).Lsh(big.NewInt(1), 1984)
	high := new(big.Int).Sub(p, low)

	for name, v := range map[string]*big.Int{
		"One":       big.NewInt(1),
		"Zero":      big.NewInt(0),
		"PMinusOne": pMinusOne,
		"P":         p,
		"Small":     big.NewInt(12345),
		"LowBound":  low,
		"HighBound": high,
	} {
		t.Run(name, func(t *testing.T) {
			err := CheckGA(v, p)
			require.Error(t, err)
			require.True(t, mterr.IsSecurity(err))
		})
	}

	t.Run("JustAboveLow", func(t *testing.T) {
		require.NoError(t, CheckGA(new(big.Int).Add(low, big.NewInt(1)), p))
	})
	t.Run("Ephemeral", func(t *testing.T) {
		secret, err := NewSecret(rand.Reader)
		require.NoError(t, err)
		ga := Exp(big.NewInt(3), secret, p)
		require.NoError(t, CheckGA(ga, p))
	})
}

func TestSharedKey(t *testing.T) {
	a := require.New(t)
	p := testPrime(t)
	g := big.NewInt(3)

	sa, err := NewSecret(rand.Reader)
	a.NoError(err)
	sb, err := NewSecret(rand.Reader)
	a.NoError(err)

	ga, err := Public(g, sa, p)
	a.NoError(err)
	gb, err := Public(g, sb, p)
	a.NoError(err)

	k1, err := SharedKey(gb, sa, p)
	a.NoError(err)
	k2, err := SharedKey(ga, sb, p)
	a.NoError(err)
	a.Equal(k1, k2)

	_, err = SharedKey(big.NewInt(1), sa, p)
	a.Error(err)
}
