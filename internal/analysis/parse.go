package analysis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// rawExtraction mirrors the JSON object requested from the model. Numeric
// and boolean fields are kept raw because models occasionally return them
// as strings or drop them entirely.
type rawExtraction struct {
	TotalAmount  json.RawMessage `json:"totalAmount"`
	Currency     string          `json:"currency"`
	Date         string          `json:"date"`
	MerchantName string          `json:"merchantName"`
	Location     string          `json:"location"`
	Taxes        json.RawMessage `json:"taxes"`
	Category     string          `json:"category"`
	IsInvoice    json.RawMessage `json:"isInvoice"`
}

// ParseExtraction parses the model completion into an Extraction. It
// tolerates markdown code fences and leading/trailing prose around the
// JSON object. A nil error does not imply the model found an invoice;
// check Extraction.IsInvoice.
func ParseExtraction(text string) (*Extraction, error) {
	text = strings.TrimSpace(text)

	// Remove markdown code blocks if present
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	text = text[startIdx : endIdx+1]

	var raw rawExtraction
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	return &Extraction{
		TotalAmount:  coerceNumber(raw.TotalAmount),
		Currency:     strings.ToUpper(strings.TrimSpace(raw.Currency)),
		Date:         normalizeDate(raw.Date),
		MerchantName: strings.TrimSpace(raw.MerchantName),
		Location:     strings.TrimSpace(raw.Location),
		TaxAmount:    coerceNumber(raw.Taxes),
		Category:     strings.ToLower(strings.TrimSpace(raw.Category)),
		IsInvoice:    coerceBool(raw.IsInvoice),
	}, nil
}

// coerceNumber turns a raw JSON value into a float. Non-numeric values
// collapse to nil rather than failing the whole parse.
func coerceNumber(raw json.RawMessage) *float64 {
	// Unmarshaling JSON null into a float is a no-op, not an error, so it
	// needs an explicit check or null would come back as a pointer to zero.
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(strings.Trim(s, "$€£ "))
		s = strings.ReplaceAll(s, ",", "")
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return &v
		}
	}

	return nil
}

// coerceBool turns a raw JSON value into a bool, accepting "true"/"false"
// strings. Anything else, including a missing value, is false.
func coerceBool(raw json.RawMessage) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return false
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return v
		}
	}

	return false
}

// normalizeDate converts common date formats to ISO 8601. A date that
// matches no known format is kept verbatim so manual correction can see
// what the model produced.
func normalizeDate(date string) string {
	date = strings.TrimSpace(date)
	if date == "" {
		return ""
	}

	if parsed, err := time.Parse("2006-01-02", date); err == nil {
		return parsed.Format("2006-01-02")
	}

	formats := []string{
		"2006/01/02",
		"01/02/2006",
		"02-01-2006",
		"Jan 2, 2006",
		"2 Jan 2006",
	}
	for _, format := range formats {
		if parsed, err := time.Parse(format, date); err == nil {
			return parsed.Format("2006-01-02")
		}
	}

	return date
}
