package scanning

import "strings"

// FormatText trims every line and drops the blank ones
func FormatText(text string) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return strings.Join(kept, "\n")
}

// FormatLines joins OCR fragments one per line and formats the result
func FormatLines(lines []string) string {
	return FormatText(strings.Join(lines, "\n"))
}
