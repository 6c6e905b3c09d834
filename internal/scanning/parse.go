package scanning

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

// section is the block of the receipt the parser is currently reading
type section int

const (
	sectionNone section = iota
	sectionRestaurant
	sectionItems
)

// line is a single non-blank receipt line plus the labels assigned so far
type line struct {
	text  string
	lower string

	// header lines switch sections and are never item or field data
	header bool
	// claimed lines were consumed by a tax, total or date rule
	claimed bool
}

type parseState struct {
	record *Record
	cursor section
	mode   AmountMode
}

// rule is one entry of the classification table. Every rule whose match
// returns true is applied, in table order.
type rule struct {
	name  string
	match func(st *parseState, l *line) bool
	apply func(st *parseState, l *line)
}

// Parser turns formatted receipt text into a Record
type Parser struct {
	mode  AmountMode
	rules []rule
}

// NewParser creates a Parser that reads amounts using mode
func NewParser(mode AmountMode) *Parser {
	if mode == "" {
		mode = AmountDecimal
	}
	return &Parser{
		mode:  mode,
		rules: defaultRules(),
	}
}

// Parse classifies each line and applies all matching extraction rules.
// A panic during the pass produces an error record holding the raw text.
func (p *Parser) Parse(text string) (record *Record) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Failed to parse receipt text", "error", r)
			record = NewErrorRecord(fmt.Sprintf("failed to parse response: %v", r), text)
		}
	}()

	st := &parseState{
		record: newRecord(),
		cursor: sectionNone,
		mode:   p.mode,
	}

	for _, raw := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		l := &line{text: trimmed, lower: strings.ToLower(trimmed)}
		for _, r := range p.rules {
			if r.match(st, l) {
				r.apply(st, l)
			}
		}
	}

	return st.record
}

func defaultRules() []rule {
	return []rule{
		{name: "restaurant-header", match: isRestaurantHeader, apply: enterRestaurant},
		{name: "items-header", match: isItemsHeader, apply: enterItems},
		{name: "tax", match: containsWord("tax"), apply: extractTax},
		{name: "total", match: containsWord("total"), apply: extractTotal},
		{name: "date", match: containsWord("date"), apply: extractDate},
		{name: "restaurant-field", match: isRestaurantField, apply: addRestaurantDetail},
		{name: "item", match: isItemLine, apply: addItem},
	}
}

func containsWord(word string) func(*parseState, *line) bool {
	return func(_ *parseState, l *line) bool {
		return strings.Contains(l.lower, word)
	}
}

func isRestaurantHeader(_ *parseState, l *line) bool {
	return strings.Contains(l.lower, "restaurant")
}

func isItemsHeader(_ *parseState, l *line) bool {
	return !l.header && (strings.Contains(l.lower, "items") || strings.Contains(l.lower, "order"))
}

// hasFieldKeyword reports whether a tax, total or date rule will claim the line
func hasFieldKeyword(l *line) bool {
	return strings.Contains(l.lower, "tax") ||
		strings.Contains(l.lower, "total") ||
		strings.Contains(l.lower, "date")
}

func enterRestaurant(st *parseState, l *line) {
	st.cursor = sectionRestaurant
	l.header = true

	// "Restaurant: Tom's Diner" is both a header and a detail
	if !hasFieldKeyword(l) {
		if key, value, ok := splitField(l.text); ok {
			st.record.RestaurantDetails[key] = value
		}
	}
}

func enterItems(st *parseState, l *line) {
	st.cursor = sectionItems
	l.header = true
}

func extractTax(st *parseState, l *line) {
	l.claimed = true
	if amount, ok := st.amountAfterColon(l); ok {
		st.record.Tax = amount
	}
}

func extractTotal(st *parseState, l *line) {
	l.claimed = true
	if amount, ok := st.amountAfterColon(l); ok {
		st.record.Total = amount
	}
}

func extractDate(st *parseState, l *line) {
	l.claimed = true
	_, value, ok := strings.Cut(l.text, ":")
	if !ok {
		slog.Debug("Date line without value", "line", l.text)
		return
	}
	st.record.DateTime = strings.TrimSpace(value)
}

func isRestaurantField(st *parseState, l *line) bool {
	return st.cursor == sectionRestaurant && !l.header && !l.claimed && strings.Contains(l.text, ":")
}

func addRestaurantDetail(st *parseState, l *line) {
	if key, value, ok := splitField(l.text); ok {
		st.record.RestaurantDetails[key] = value
	}
}

func isItemLine(st *parseState, l *line) bool {
	if st.cursor != sectionItems || l.header || l.claimed {
		return false
	}
	return strings.ContainsAny(l.text, "-:"+currencySymbols)
}

func addItem(st *parseState, l *line) {
	parts := strings.Split(stripCurrency(l.text), "-")
	if len(parts) != 2 {
		slog.Debug("Dropping item line", "line", l.text, "parts", len(parts))
		return
	}

	price, ok := st.mode.Extract(strings.TrimSpace(parts[1]))
	if !ok {
		slog.Debug("Dropping item line without price", "line", l.text)
		return
	}

	st.record.Items = append(st.record.Items, Item{
		Name:  strings.TrimSpace(parts[0]),
		Price: price,
	})
}

func (st *parseState) amountAfterColon(l *line) (amount decimal.Decimal, ok bool) {
	_, value, found := strings.Cut(l.text, ":")
	if !found {
		slog.Debug("Amount line without value", "line", l.text)
		return amount, false
	}
	amount, ok = st.mode.Extract(strings.TrimSpace(value))
	if !ok {
		slog.Debug("Amount line without number", "line", l.text)
	}
	return amount, ok
}

func splitField(text string) (key, value string, ok bool) {
	key, value, ok = strings.Cut(text, ":")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(key), strings.TrimSpace(value), true
}
