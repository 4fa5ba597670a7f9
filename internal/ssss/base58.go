package ssss

import (
	"fmt"
	"math/big"
	"strings"
)

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var big58 = big.NewInt(58)

func encodeBase58(b []byte) string {
	n := new(big.Int).SetBytes(b)
	mod := new(big.Int)

	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, big58, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}

	for _, c := range b {
		if c != 0 {
			break
		}

		out = append(out, base58Alphabet[0])
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return string(out)
}

func decodeBase58(s string) ([]byte, error) {
	n := new(big.Int)

	for _, r := range s {
		i := strings.IndexRune(base58Alphabet, r)
		if i < 0 {
			return nil, fmt.Errorf("%w: character %q", ErrBadRecoveryKey, r)
		}

		n.Mul(n, big58)
		n.Add(n, big.NewInt(int64(i)))
	}

	out := n.Bytes()

	leading := 0
	for leading < len(s) && s[leading] == base58Alphabet[0] {
		leading++
	}

	return append(make([]byte, leading), out...), nil
}
