package tg

import (
	"strings"
	"testing"
	"time"

	"github.com/pvzzle/tipledger/internal/bus"
	"github.com/pvzzle/tipledger/internal/locale"
	"github.com/pvzzle/tipledger/internal/price"
	"github.com/pvzzle/tipledger/internal/storage"

	"github.com/shopspring/decimal"
)

func TestFormatHistory(t *testing.T) {
	now := time.Date(2026, 2, 14, 10, 0, 0, 0, time.UTC)
	msg := "transfer reverted: reverted in block 9"
	to := "user-2"

	items := []storage.LedgerEntry{
		{
			ID:         "a1",
			FromUserID: "user-1",
			ToUserID:   &to,
			Amount:     decimal.RequireFromString("1250.5"),
			TokenType:  "CAMLY",
			TxHash:     "0x" + strings.Repeat("1", 64),
			Status:     storage.StatusCompleted,
			CreatedAt:  now,
		},
		{
			ID:         "a2",
			FromUserID: "user-3",
			ToUserID:   &to,
			Amount:     decimal.NewFromInt(5),
			TokenType:  "CAMLY",
			TxHash:     storage.FailedTxHash,
			Status:     storage.StatusFailed,
			Error:      &msg,
			CreatedAt:  now,
		},
	}

	txt := FormatHistory("user-1", items, locale.New("en"))

	for _, want := range []string{"…", "1,250.5 CAMLY", "✅", "❌", "→", "←", "failed", msg, "2026-02-14 10:00"} {
		if !strings.Contains(txt, want) {
			t.Fatalf("expected %q in:\n%s", want, txt)
		}
	}
}

func TestFormatPrices(t *testing.T) {
	reg := price.NewRegistry(price.DefaultTokens("")...)
	o := price.NewOracle(reg, nil, nil, nil, nil, price.OracleConfig{})

	txt := FormatPrices(o.Table(), locale.New("en"))
	if !strings.Contains(txt, "BNB: $600.00 (fallback)") {
		t.Fatalf("expected BNB fallback line:\n%s", txt)
	}
	if !strings.Contains(txt, "CAMLY: $0.00004") {
		t.Fatalf("expected CAMLY line:\n%s", txt)
	}
}

func TestFormatNotification(t *testing.T) {
	got := FormatNotification(bus.Notification{Title: "Reward approved", Body: "You received 250 CAMLY"})
	if got != "🎉 Reward approved\n\nYou received 250 CAMLY" {
		t.Fatalf("unexpected text: %q", got)
	}
	if FormatNotification(bus.Notification{Title: "x"}) != "🎉 x" {
		t.Fatal("expected title only")
	}
}
