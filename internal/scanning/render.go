package scanning

import (
	"sort"
	"strings"
)

// RenderMarkdown renders a record as a markdown document. Restaurant details
// are emitted in key order so the same record always renders identically.
func RenderMarkdown(r *Record) string {
	if r.Failed() {
		return renderFailure(r)
	}

	var md []string

	md = append(md, "## Restaurant Details")
	keys := make([]string, 0, len(r.RestaurantDetails))
	for key := range r.RestaurantDetails {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		md = append(md, "**"+key+":** "+r.RestaurantDetails[key])
	}

	if r.DateTime != "" {
		md = append(md, "\n**Date/Time:** "+r.DateTime)
	}

	md = append(md, "\n## Items")
	md = append(md, "| Item | Price |")
	md = append(md, "|------|-------|")
	for _, item := range r.Items {
		md = append(md, "| "+escapeCell(item.Name)+" | "+formatPrice(item.Price)+" |")
	}

	md = append(md, "\n**Tax:** "+formatPrice(r.Tax))
	md = append(md, "**Total:** "+formatPrice(r.Total))

	return strings.Join(md, "\n")
}

// RenderTable returns one row per item with display-formatted prices
func RenderTable(r *Record) []TableRow {
	rows := make([]TableRow, 0, len(r.Items))
	for _, item := range r.Items {
		rows = append(rows, TableRow{
			Item:  item.Name,
			Price: formatPrice(item.Price),
		})
	}
	return rows
}

func renderFailure(r *Record) string {
	md := []string{
		"## Unable to Read Receipt",
		"",
		"The receipt text could not be parsed (" + r.Error + "). The raw text is shown below.",
		"",
		"```text",
		r.RawResponse,
		"```",
	}
	return strings.Join(md, "\n")
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
