package scanning

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// AmountMode selects how currency amounts are read from free text
type AmountMode string

const (
	// AmountDecimal reads the first signed decimal number, e.g. "RM1,234.50" -> 1234.50
	AmountDecimal AmountMode = "decimal"
	// AmountLegacy concatenates every digit, e.g. "12.50" -> 1250
	AmountLegacy AmountMode = "legacy"
)

// currencySymbols are stripped from item lines before splitting
const currencySymbols = "$€£¥₹"

var amountPattern = regexp.MustCompile(`-?\d+(?:,\d{3})*(?:\.\d+)?`)

// ParseAmountMode validates a configured amount mode
func ParseAmountMode(s string) (AmountMode, error) {
	switch mode := AmountMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case AmountDecimal, AmountLegacy:
		return mode, nil
	case "":
		return AmountDecimal, nil
	default:
		return "", fmt.Errorf("unknown amount mode %q (valid: decimal, legacy)", s)
	}
}

// Extract reads an amount from text. The boolean is false when nothing usable was found.
func (m AmountMode) Extract(text string) (decimal.Decimal, bool) {
	var digits string
	if m == AmountLegacy {
		digits = strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return r
			}
			return -1
		}, text)
	} else {
		digits = strings.ReplaceAll(amountPattern.FindString(text), ",", "")
	}
	if digits == "" {
		return decimal.Zero, false
	}

	amount, err := decimal.NewFromString(digits)
	if err != nil {
		return decimal.Zero, false
	}
	return amount, true
}

func stripCurrency(s string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(currencySymbols, r) {
			return -1
		}
		return r
	}, s)
}

func formatPrice(amount decimal.Decimal) string {
	return "$" + amount.StringFixed(2)
}
