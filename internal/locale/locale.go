// Package locale renders user-facing amounts and messages.
package locale

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
	"golang.org/x/text/number"
)

// Message keys. The English text doubles as the key.
const (
	MsgRewardTitle = "Reward approved"
	MsgRewardBody  = "You received %v %s"
	MsgTipSent     = "Sent %v %s"
	MsgTipSentUSD  = "Sent %v %s (≈ $%v)"
	MsgTipFailed   = "Tip failed: %s"
)

var supported = []language.Tag{language.English, language.Vietnamese}

func newCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for _, key := range []string{MsgRewardTitle, MsgRewardBody, MsgTipSent, MsgTipSentUSD, MsgTipFailed} {
		_ = b.SetString(language.English, key, key)
	}
	_ = b.SetString(language.Vietnamese, MsgRewardTitle, "Phần thưởng đã được duyệt")
	_ = b.SetString(language.Vietnamese, MsgRewardBody, "Bạn đã nhận %v %s")
	_ = b.SetString(language.Vietnamese, MsgTipSent, "Đã gửi %v %s")
	_ = b.SetString(language.Vietnamese, MsgTipSentUSD, "Đã gửi %v %s (≈ $%v)")
	_ = b.SetString(language.Vietnamese, MsgTipFailed, "Gửi tiền thưởng thất bại: %s")
	return b
}

// Printer formats amounts with the locale's separators.
type Printer struct {
	tag language.Tag
	p   *message.Printer
	sep string // decimal separator
}

// New parses a BCP 47 tag ("vi", "en-US"); unknown tags fall back to English.
func New(tag string) *Printer {
	t, err := language.Parse(tag)
	if err != nil {
		t = language.English
	}
	matched, _, _ := language.NewMatcher(supported).Match(t)
	mp := message.NewPrinter(matched, message.Catalog(newCatalog()))
	sep := strings.Trim(mp.Sprint(number.Decimal(1.5, number.MinFractionDigits(1))), "15")
	if sep == "" {
		sep = "."
	}
	return &Printer{tag: matched, p: mp, sep: sep}
}

func (p *Printer) Tag() language.Tag { return p.tag }

// Amount renders a token amount with up to 6 fractional digits.
func (p *Printer) Amount(d decimal.Decimal) string {
	return p.decimal(d, 0, 6)
}

// USD renders a fiat value with 2 to 6 fractional digits, keeping sub-cent values readable.
func (p *Printer) USD(d decimal.Decimal) string {
	digits := int32(2)
	if d.Abs().LessThan(decimal.NewFromFloat(0.01)) {
		digits = 6
	}
	return p.decimal(d, 2, digits)
}

// decimal groups the integer part with the locale's separators and appends the
// fraction digits taken straight from d, so no float rounding leaks in.
func (p *Printer) decimal(d decimal.Decimal, minFrac, maxFrac int32) string {
	d = d.Round(maxFrac)
	neg := d.Sign() < 0
	d = d.Abs()

	whole := d.Truncate(0)
	var out string
	if whole.BigInt().IsInt64() {
		out = p.p.Sprint(number.Decimal(whole.IntPart()))
	} else {
		out = p.p.Sprint(number.Decimal(whole.InexactFloat64(), number.MaxFractionDigits(0)))
	}

	var frac string
	if maxFrac > 0 {
		frac = strings.TrimRight(d.Sub(whole).StringFixed(maxFrac)[2:], "0")
	}
	for int32(len(frac)) < minFrac {
		frac += "0"
	}
	if frac != "" {
		out += p.sep + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

func (p *Printer) Sprintf(key string, args ...any) string {
	return p.p.Sprintf(key, args...)
}

func (p *Printer) RewardTitle() string { return p.Sprintf(MsgRewardTitle) }

func (p *Printer) RewardBody(amount decimal.Decimal, symbol string) string {
	return p.Sprintf(MsgRewardBody, p.Amount(amount), symbol)
}

// TipSent omits the fiat part when usd is nil.
func (p *Printer) TipSent(amount decimal.Decimal, symbol string, usd *decimal.Decimal) string {
	if usd == nil {
		return p.Sprintf(MsgTipSent, p.Amount(amount), symbol)
	}
	return p.Sprintf(MsgTipSentUSD, p.Amount(amount), symbol, p.USD(*usd))
}

func (p *Printer) TipFailed(reason string) string { return p.Sprintf(MsgTipFailed, reason) }
