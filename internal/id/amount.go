package id

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/holiman/uint256"

	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
)

// RateDecimals is the fixed-point precision of fee rates and discounts.
const RateDecimals = 18

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseAmount reads either a base-unit integer (decimals < 0) or a decimal
// string scaled by decimals.
func ParseAmount(input string, decimals int) (*uint256.Int, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return nil, clierr.New(clierr.CodeUsage, "amount is required")
	}
	if decimals < 0 {
		v, err := uint256.FromDecimal(raw)
		if err != nil {
			return nil, clierr.New(clierr.CodeUsage, "amount must be a non-negative integer string")
		}
		return v, nil
	}
	if !decimalPattern.MatchString(raw) {
		return nil, clierr.New(clierr.CodeUsage, "amount must be in decimal form like 1.23")
	}
	base, err := decimalToBaseUnits(raw, decimals)
	if err != nil {
		return nil, err
	}
	v, err := uint256.FromDecimal(base)
	if err != nil {
		return nil, clierr.New(clierr.CodeUsage, "amount overflows 256 bits")
	}
	return v, nil
}

// ParseRate reads a fraction like "0.002" into an 18-decimal fixed-point
// value no larger than one.
func ParseRate(input string) (*uint256.Int, error) {
	v, err := ParseAmount(input, RateDecimals)
	if err != nil {
		return nil, err
	}
	one := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(RateDecimals))
	if v.Gt(one) {
		return nil, clierr.New(clierr.CodeUsage, "rate must be between 0 and 1")
	}
	return v, nil
}

// FormatDecimal renders base units as a decimal string.
func FormatDecimal(v *uint256.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	return formatDecimal(v.Dec(), decimals)
}

// FormatRate renders an 18-decimal fixed-point rate.
func FormatRate(v *uint256.Int) string {
	return FormatDecimal(v, RateDecimals)
}

func formatDecimal(baseUnits string, decimals int) string {
	if decimals <= 0 {
		return baseUnits
	}
	s := baseUnits
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	intPart := s[:len(s)-decimals]
	fracPart := strings.TrimRight(s[len(s)-decimals:], "0")
	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}

func decimalToBaseUnits(decimal string, decimals int) (string, error) {
	parts := strings.SplitN(decimal, ".", 2)
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(fracPart) > decimals {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("decimal precision exceeds %d decimals", decimals))
	}

	fracPart = fracPart + strings.Repeat("0", decimals-len(fracPart))
	combined := strings.TrimLeft(intPart+fracPart, "0")
	if combined == "" {
		return "0", nil
	}
	return combined, nil
}
