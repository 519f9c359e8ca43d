package locale

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPrinter_Vietnamese(t *testing.T) {
	p := New("vi")
	base, _ := p.Tag().Base()
	assert.Equal(t, "vi", base.String())

	assert.Equal(t, "1.234.567,5", p.Amount(decimal.RequireFromString("1234567.5")))
	assert.Equal(t, "Bạn đã nhận 250 CAMLY", p.RewardBody(decimal.NewFromInt(250), "CAMLY"))
	assert.Equal(t, "Phần thưởng đã được duyệt", p.RewardTitle())
}

func TestPrinter_English(t *testing.T) {
	p := New("en-US")

	assert.Equal(t, "1,234,567.5", p.Amount(decimal.RequireFromString("1234567.5")))
	usd := decimal.RequireFromString("3562.5")
	assert.Equal(t, "Sent 5 BNB (≈ $3,562.50)", p.TipSent(decimal.NewFromInt(5), "BNB", &usd))
	assert.Equal(t, "Sent 5 BNB", p.TipSent(decimal.NewFromInt(5), "BNB", nil))
}

func TestPrinter_SubCentUSD(t *testing.T) {
	p := New("en")
	assert.Equal(t, "0.0002", p.USD(decimal.RequireFromString("0.0002")))
}

func TestPrinter_UnknownTagFallsBack(t *testing.T) {
	p := New("not a tag!")
	assert.Equal(t, "Reward approved", p.RewardTitle())
}

func TestPrinter_ExactDigits(t *testing.T) {
	en := New("en")
	vi := New("vi")

	// 19 significant digits, beyond what a float64 holds
	big := decimal.RequireFromString("1234567890123.123456")
	assert.Equal(t, "1,234,567,890,123.123456", en.Amount(big))
	assert.Equal(t, "1.234.567.890.123,123456", vi.Amount(big))

	assert.Equal(t, "0.123457", en.Amount(decimal.RequireFromString("0.1234567")))
	assert.Equal(t, "-2.5", en.Amount(decimal.RequireFromString("-2.5")))
	assert.Equal(t, "0", en.Amount(decimal.Zero))
	assert.Equal(t, "0.00", en.USD(decimal.Zero))
	assert.Equal(t, "9,007,199,254,740,993.10", en.USD(decimal.RequireFromString("9007199254740993.1")))
}
