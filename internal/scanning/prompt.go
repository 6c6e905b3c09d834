package scanning

import "strings"

// PromptVersion identifies the wording of ReceiptPrompt. The prompt decides
// the layout of every vision model answer, so any edit to it needs a new
// version.
const PromptVersion = "receipt-markdown/v1"

// ReceiptPrompt is the instruction sent with every image to a vision model
const ReceiptPrompt = `Analyze this receipt image and format the output EXACTLY as follows with consistent spacing:

### Bill Details

- Date and time: [value]
- Table number: [value]
- Server: [value]
- Order number: [value]
- Invoice number: [value]


### Order Details

| Number | Item | Quantity | Price before tax | Price after tax | Total |
|--------|------|----------|------------------|-----------------|-------|
| 1 | [item name] | [qty] | RM [amount] | RM [amount] | RM [amount] |
[continue for all items...]


### Tax

| Type | Percentage | Amount |
|------|------------|--------|
| SST | [percentage] | RM [amount] |
[other taxes if any...]


### Total

- Subtotal: RM [amount]
- Tax: RM [amount]
- Total: RM [amount]

Note: Please ensure:
1. Each section header starts with '### '
2. There are TWO empty lines between each section
3. All currency values have 'RM' prefix
4. Tables are properly formatted with aligned columns
5. All numbers have 2 decimal places`

// systemPrompt is sent by providers that support a separate system role
const systemPrompt = "You are an expert at reading receipts. Read every line of text in the image carefully and never invent values."

// trimCompletion removes surrounding whitespace and a single wrapping code fence
// that some models add around markdown answers. The answer itself is not parsed.
func trimCompletion(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	body := strings.TrimPrefix(text, "```")
	firstLine, rest, found := strings.Cut(body, "\n")
	if !found || strings.ContainsAny(strings.TrimSpace(firstLine), " `") {
		return text
	}
	rest = strings.TrimSpace(rest)
	if !strings.HasSuffix(rest, "```") {
		return text
	}
	return strings.TrimSpace(strings.TrimSuffix(rest, "```"))
}
