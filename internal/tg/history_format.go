package tg

import (
	"fmt"
	"strings"

	"github.com/pvzzle/tipledger/internal/bus"
	"github.com/pvzzle/tipledger/internal/locale"
	"github.com/pvzzle/tipledger/internal/price"
	"github.com/pvzzle/tipledger/internal/storage"
)

func FormatHistory(userID string, items []storage.LedgerEntry, p *locale.Printer) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🕘 History of %s (last %d)\n\n", userID, len(items)))

	for _, it := range items {
		dir := "→"
		if it.FromUserID != userID {
			dir = "←"
		}

		status := ""
		switch it.Status {
		case storage.StatusCompleted:
			status = " ✅"
		case storage.StatusFailed:
			status = " ❌"
		case storage.StatusPending:
			status = " ⏳"
		}

		sb.WriteString(fmt.Sprintf(
			"• %s %s %s%s\n  %s %s\n",
			it.CreatedAt.UTC().Format("2006-01-02 15:04"), dir, shortenHash(it.TxHash), status,
			p.Amount(it.Amount), it.TokenType,
		))
		if it.Error != nil && *it.Error != "" {
			sb.WriteString("  " + *it.Error + "\n")
		}
	}

	return sb.String()
}

func FormatPrices(t *price.Table, p *locale.Printer) string {
	var sb strings.Builder
	sb.WriteString("💱 Prices (USD)\n\n")
	for _, sym := range t.Symbols() {
		q, _ := t.Get(sym)
		mark := ""
		if !q.Live() {
			mark = " (fallback)"
		}
		sb.WriteString(fmt.Sprintf("• %s: $%s%s\n", sym, p.USD(q.USD), mark))
	}
	if !t.BuiltAt().IsZero() {
		sb.WriteString("\nUpdated " + t.BuiltAt().UTC().Format("15:04:05") + " UTC")
	}
	return sb.String()
}

func FormatNotification(n bus.Notification) string {
	if n.Body == "" {
		return "🎉 " + n.Title
	}
	return "🎉 " + n.Title + "\n\n" + n.Body
}

func shortenHash(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:10] + "…" + h[len(h)-4:]
}
