package constants

import (
	"fmt"
	"strings"
)

type Category string

const (
	Food       Category = "Food"
	Leisure    Category = "Leisure"
	Transport  Category = "Transport"
	Home       Category = "Home"
	Clothing   Category = "Clothing"
	Health     Category = "Health"
	Bills      Category = "Bills"
	Technology Category = "Technology"
	Other      Category = "Other"
)

var allCategories = []Category{
	Food,
	Leisure,
	Transport,
	Home,
	Clothing,
	Health,
	Bills,
	Technology,
	Other,
}

// AllCategories returns the taxonomy in its canonical order.
func AllCategories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

func AsStringSlice() []string {
	result := make([]string, len(allCategories))
	for i, cat := range allCategories {
		result[i] = string(cat)
	}
	return result
}

// ParseCategory accepts only exact taxonomy labels (case-insensitive).
func ParseCategory(s string) (Category, error) {
	normalized := strings.TrimSpace(s)
	for _, cat := range allCategories {
		if strings.EqualFold(normalized, string(cat)) {
			return cat, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Canonicalize maps free-form and legacy labels onto the taxonomy.
// The bool reports whether a match was found; unmatched input yields Other.
func Canonicalize(input string) (Category, bool) {
	if input == "" {
		return Other, false
	}

	normalized := strings.ToLower(strings.TrimSpace(input))

	// synonyms map, including the legacy French labels
	synonyms := map[string]Category{
		"alimentation":  Food,
		"groceries":     Food,
		"grocery":       Food,
		"restaurant":    Food,
		"loisirs":       Leisure,
		"entertainment": Leisure,
		"maison":        Home,
		"household":     Home,
		"vêtements":     Clothing,
		"vetements":     Clothing,
		"clothes":       Clothing,
		"santé":         Health,
		"sante":         Health,
		"pharmacy":      Health,
		"factures":      Bills,
		"utilities":     Bills,
		"technologie":   Technology,
		"electronics":   Technology,
		"autre":         Other,
		"taxi":          Transport,
		"fuel":          Transport,
	}

	if cat, ok := synonyms[normalized]; ok {
		return cat, true
	}

	// check if it matches any category string
	for _, cat := range allCategories {
		if normalized == strings.ToLower(string(cat)) {
			return cat, true
		}
	}

	return Other, false
}

// Valid reports whether c is a member of the taxonomy.
func (c Category) Valid() bool {
	switch c {
	case Food, Leisure, Transport, Home, Clothing, Health, Bills, Technology, Other:
		return true
	}
	return false
}

// Describe returns the rubric line used when asking for a category.
func (c Category) Describe() string {
	switch c {
	case Food:
		return "groceries, restaurants, drinks and any edible item"
	case Leisure:
		return "entertainment, hobbies, sport, books, games, outings"
	case Transport:
		return "fuel, tickets, tolls, parking, taxis, vehicle upkeep"
	case Home:
		return "household goods, cleaning products, furniture, DIY, decoration"
	case Clothing:
		return "clothes, shoes, accessories"
	case Health:
		return "pharmacy, medical care, hygiene and personal care"
	case Bills:
		return "utilities, subscriptions, insurance, rent, phone and internet plans"
	case Technology:
		return "electronics, computers, phones, cables, software"
	case Other:
		return "anything that fits none of the above"
	default:
		panic(fmt.Sprintf("constants: unhandled category %q", string(c)))
	}
}
