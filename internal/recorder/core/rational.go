package core

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// NoPTS marks a timestamp that is not set.
const NoPTS int64 = math.MinInt64

// Rational is a time base or frame rate expressed as Num/Den.
type Rational struct {
	Num int
	Den int
}

// NewRational returns num/den.
func NewRational(num, den int) Rational {
	return Rational{Num: num, Den: den}
}

// ParseRational parses "1/1000", "30" or "30000/1001".
func ParseRational(s string) (Rational, error) {
	s = strings.TrimSpace(s)
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return Rational{}, fmt.Errorf("invalid rational %q: %w", s, err)
	}
	d := 1
	if found {
		d, err = strconv.Atoi(strings.TrimSpace(den))
		if err != nil {
			return Rational{}, fmt.Errorf("invalid rational %q: %w", s, err)
		}
	}
	if d == 0 {
		return Rational{}, fmt.Errorf("invalid rational %q: zero denominator", s)
	}
	return Rational{Num: n, Den: d}, nil
}

// Valid reports whether both terms are positive.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Invert returns Den/Num.
func (r Rational) Invert() Rational {
	return Rational{Num: r.Den, Den: r.Num}
}

// Float64 returns the value as a float.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Rounding selects how Rescale rounds inexact results.
type Rounding int

const (
	RoundZero    Rounding = 0 // toward zero
	RoundInf     Rounding = 1 // away from zero
	RoundDown    Rounding = 2 // toward -infinity
	RoundUp      Rounding = 3 // toward +infinity
	RoundNearInf Rounding = 5 // half away from zero

	// RoundPassMinMax leaves math.MinInt64 and math.MaxInt64 untouched so
	// that NoPTS survives a rescale.
	RoundPassMinMax Rounding = 8192
)

var (
	bigMaxInt64 = big.NewInt(math.MaxInt64)
	bigMinInt64 = big.NewInt(-math.MaxInt64)
)

// RescaleRnd computes a*b/c with the given rounding. Results that do not fit
// in an int64 saturate to ±math.MaxInt64.
func RescaleRnd(a, b, c int64, rnd Rounding) int64 {
	if c <= 0 || b < 0 {
		return NoPTS
	}
	if rnd&RoundPassMinMax != 0 {
		if a == math.MinInt64 || a == math.MaxInt64 {
			return a
		}
		rnd &^= RoundPassMinMax
	}

	neg := a < 0
	if neg {
		if a == math.MinInt64 {
			a = -math.MaxInt64
		}
		a = -a
		// Directed modes flip when the sign flips.
		switch rnd {
		case RoundDown:
			rnd = RoundUp
		case RoundUp:
			rnd = RoundDown
		}
	}

	var r int64
	switch rnd {
	case RoundNearInf:
		r = c / 2
	case RoundInf, RoundUp:
		r = c - 1
	}

	v := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	v.Add(v, big.NewInt(r))
	v.Quo(v, big.NewInt(c))
	if neg {
		v.Neg(v)
	}
	switch {
	case v.Cmp(bigMaxInt64) > 0:
		return math.MaxInt64
	case v.Cmp(bigMinInt64) < 0:
		return -math.MaxInt64
	}
	return v.Int64()
}

// RescaleQRnd converts a from time base bq to time base cq.
func RescaleQRnd(a int64, bq, cq Rational, rnd Rounding) int64 {
	b := int64(bq.Num) * int64(cq.Den)
	c := int64(cq.Num) * int64(bq.Den)
	return RescaleRnd(a, b, c, rnd)
}

// RescaleQ converts a from bq to cq rounding half away from zero.
func RescaleQ(a int64, bq, cq Rational) int64 {
	return RescaleQRnd(a, bq, cq, RoundNearInf)
}

// Compare orders two timestamps expressed in different time bases. It
// returns -1, 0 or 1.
func Compare(tsA int64, tbA Rational, tsB int64, tbB Rational) int {
	l := new(big.Int).Mul(big.NewInt(tsA), big.NewInt(int64(tbA.Num)*int64(tbB.Den)))
	r := new(big.Int).Mul(big.NewInt(tsB), big.NewInt(int64(tbB.Num)*int64(tbA.Den)))
	return l.Cmp(r)
}
