// Package numbers generates human readable document numbers such as
// PO-20260301-7KQ2ZA or LM04718265.
package numbers

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Dated returns prefix-YYYYMMDD-XXXXXX with six random base 36 characters
func Dated(prefix string, at time.Time) string {
	return prefix + "-" + at.UTC().Format("20060102") + "-" + random(alphabet, 6)
}

// Digits returns prefix followed by n random decimal digits
func Digits(prefix string, n int) string {
	return prefix + random(alphabet[:10], n)
}

func random(chars string, n int) string {
	id := uuid.New()
	value := new(big.Int).SetBytes(id[:])
	base := big.NewInt(int64(len(chars)))
	digit := new(big.Int)
	out := make([]byte, n)
	for i := range out {
		value.DivMod(value, base, digit)
		out[i] = chars[digit.Int64()]
	}
	return string(out)
}
