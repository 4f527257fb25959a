package analysis

import "context"

// Extraction contains the structured fields derived from OCR text. Numeric
// fields are pointers: a value the model could not produce stays nil.
type Extraction struct {
	TotalAmount  *float64 `json:"total_amount"`
	Currency     string   `json:"currency"`
	Date         string   `json:"date"`
	MerchantName string   `json:"merchant_name"`
	Location     string   `json:"location"`
	TaxAmount    *float64 `json:"tax_amount"`
	Category     string   `json:"category"`
	IsInvoice    bool     `json:"is_invoice"`
	Error        string   `json:"error,omitempty"`
}

// Provider defines the interface for generative analysis providers. The
// completion is freeform text that likely, but not certainly, contains a
// JSON object; callers must parse defensively.
type Provider interface {
	// Generate sends the prompt to the model and returns the raw completion.
	Generate(ctx context.Context, prompt string) (string, error)
	// Close closes the provider and releases resources.
	Close() error
}

// extractionPrompt is the shared instruction used by all providers to turn
// OCR text into structured fields.
const extractionPrompt = `You are analyzing the OCR text of a receipt or invoice. Carefully read the text below and extract the following information:

1. **Total Amount**: The final total, grand total, or amount due. Usually labeled "TOTAL", "Amount Due", "Grand Total" or similar. Extract only the numeric value (e.g., 42.75 for $42.75).

2. **Currency**: The ISO 4217 currency code (e.g., "USD", "EUR", "GBP"). Infer it from currency symbols or explicit codes in the text.

3. **Date**: The transaction, purchase, or invoice date in ISO 8601 format (YYYY-MM-DD). Common source formats: MM/DD/YYYY, DD/MM/YYYY, or written dates.

4. **Merchant Name**: The store, business, or vendor name, usually at the top of the document.

5. **Location**: The city or address of the merchant, if present.

6. **Taxes**: The total tax amount as a numeric value, if present.

7. **Category**: A single expense category such as "groceries", "travel", "dining", "office", "utilities" or "other".

8. **Is Invoice**: Whether this text actually looks like a receipt or invoice, as a boolean.

Return ONLY valid JSON in this exact format:
{
  "totalAmount": 0.00,
  "currency": "USD",
  "date": "YYYY-MM-DD",
  "merchantName": "Store Name",
  "location": "City",
  "taxes": 0.00,
  "category": "other",
  "isInvoice": true
}

Important:
- The amounts must be numbers (not strings)
- If you cannot find a field, use null for that field
- Do not include any text before or after the JSON
- Do not use markdown code blocks

OCR text:

`

// BuildPrompt combines the fixed extraction instruction with the OCR text.
func BuildPrompt(ocrText string) string {
	return extractionPrompt + ocrText
}
