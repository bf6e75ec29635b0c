package llm

// BuildExtractionJSONSchema returns the tool parameter schema as a generic map.
// We pass it to the extraction service as the forced tool's parameters and also use
// it locally to validate the returned arguments. Amounts accept numbers or strings
// because models emit both; numeric coercion happens after structural validation.
func BuildExtractionJSONSchema(allowedCategories []string, allowEmptyItems bool) map[string]any {
	item := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"name":        map[string]any{"type": "string", "minLength": 1, "description": "Item name with obvious OCR typos fixed."},
			"quantity":    map[string]any{"type": "integer", "minimum": 1},
			"line_amount": amountProp("Total paid for this line (quantity times unit price)."),
			"category":    categoryProp(allowedCategories),
		},
		"required": []string{"name", "quantity", "line_amount"},
	}

	items := map[string]any{
		"type":  "array",
		"items": item,
	}
	if !allowEmptyItems {
		items["minItems"] = 1
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"merchant":     map[string]any{"type": "string", "minLength": 1},
			"receipt_date": map[string]any{"type": "string", "description": "Purchase date as YYYY-MM-DD."},
			"total_amount": amountProp("Amount actually paid, after discounts and taxes."),
			"items":        items,
		},
		"required": []string{"merchant", "receipt_date", "total_amount", "items"},
	}
}

func amountProp(description string) map[string]any {
	return map[string]any{
		"type":        []string{"number", "string"},
		"description": description,
	}
}

func categoryProp(allowed []string) map[string]any {
	prop := map[string]any{"type": "string", "minLength": 1}
	if len(allowed) > 0 {
		prop["enum"] = allowed
	}
	return prop
}
