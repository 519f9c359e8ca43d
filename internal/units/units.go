// Package units converts between human token amounts and on-chain base units.
package units

import (
	"errors"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	reTxHash  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	reEthAddr = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{40}$`)

	ErrInvalidAmount = errors.New("invalid token amount")
)

func IsTxHash(s string) bool {
	s = strings.TrimSpace(s)
	return reTxHash.MatchString(s)
}

func IsAddress(s string) bool {
	s = strings.TrimSpace(s)
	return reEthAddr.MatchString(s)
}

// IsPlaceholderAddress reports whether a configured contract address is unset
// or a stand-in value ("", "0x", the zero address, "0xYOUR_TOKEN", ...).
func IsPlaceholderAddress(s string) bool {
	s = strings.TrimSpace(s)
	if !IsAddress(s) {
		return true
	}
	return common.HexToAddress(s) == (common.Address{})
}

// ParseAmount parses a user supplied amount ("1.5", "0,5"); requires > 0.
func ParseAmount(amount string) (decimal.Decimal, error) {
	amount = strings.TrimSpace(amount)
	amount = strings.ReplaceAll(amount, ",", ".")

	d, err := decimal.NewFromString(amount)
	if err != nil || d.Sign() <= 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// ToBaseUnits scales amount by 10^decimals, flooring anything below the
// token's precision.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).Floor().BigInt()
}

// FromBaseUnits is the inverse of ToBaseUnits.
func FromBaseUnits(v *big.Int, decimals uint8) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -int32(decimals))
}

// One returns one whole token in base units.
func One(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// FormatBaseUnits renders base units with at most 6 fractional digits.
func FormatBaseUnits(v *big.Int, decimals uint8) string {
	return FromBaseUnits(v, decimals).Truncate(6).String()
}
