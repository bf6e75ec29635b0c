package llm

import (
	"strings"

	"github.com/receipty/receipty/constants"
)

// BuildSystemPrompt is the short system instruction sent with every extraction.
func BuildSystemPrompt() string {
	parts := []string{
		"You are a receipts parser.",
		"Read the OCR text of one paper receipt and record it by calling the " + ExtractionToolName + " tool exactly once.",
		"Never answer in plain text.",
	}
	return strings.Join(parts, " ")
}

// BuildExtractionPrompt embeds the raw OCR text with the taxonomy and extraction rules.
// It is pure: the same inputs always give the same prompt.
func BuildExtractionPrompt(rawText string, categories []constants.Category) string {
	names := make([]string, len(categories))
	for i, c := range categories {
		names[i] = string(c)
	}

	rules := []string{
		"Use ISO-8601 dates (YYYY-MM-DD) for receipt_date.",
		"total_amount is the amount actually paid: after every discount and after taxes.",
		"List each purchased line as an item. line_amount is the total for that line, not the unit price; quantity defaults to 1.",
		"Fix obvious OCR typos in item names (e.g. '0' read as 'O', missing accents, split words).",
		"Never merge items that share a name but have different prices; keep them as separate items.",
		"Do not list discount, promotion, loyalty, deposit refund, tax or VAT lines as items. Apply discounts to the line they reduce.",
		"Give every item exactly one category from this list: " + strings.Join(names, ", ") + ". If uncertain, choose 'Other'.",
		"Category rubric: " + buildCategoryRubric(categories),
		"Before answering, check that the line amounts add up to total_amount. If they do not, re-read the receipt and correct the items.",
	}

	var b strings.Builder
	b.WriteString("Extract the receipt below.\n\nRules:\n")
	for _, r := range rules {
		b.WriteString("- ")
		b.WriteString(r)
		b.WriteString("\n")
	}
	b.WriteString("\nOCR text:\n")
	b.WriteString(strings.TrimSpace(rawText))
	b.WriteString("\n")
	return b.String()
}

func buildCategoryRubric(categories []constants.Category) string {
	parts := make([]string, 0, len(categories))
	for _, c := range categories {
		parts = append(parts, string(c)+": "+c.Describe())
	}
	return strings.Join(parts, " | ")
}
