package numbers

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDated(t *testing.T) {
	at := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	number := Dated("PO", at)
	assert.Regexp(t, regexp.MustCompile(`^PO-20260301-[0-9A-Z]{6}$`), number)
	assert.NotEqual(t, number, Dated("PO", at))
}

func TestDigits(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^LM[0-9]{8}$`), Digits("LM", 8))
}
