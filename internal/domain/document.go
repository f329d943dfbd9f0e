package domain

// Document holds the fields the OCR collaborator extracted from a receipt.
// It is read-only input to evaluation.
type Document struct {
	ID           string `json:"id,omitempty"`
	MerchantName string `json:"merchantName"`

	// Date is a calendar date (YYYY-MM-DD) without time or zone. Weekend
	// checks interpret it in UTC.
	Date string `json:"date"`

	TotalAmount  float64    `json:"totalAmount"`
	Currency     string     `json:"currency,omitempty"`
	Category     string     `json:"category"`
	DocumentType string     `json:"documentType"`
	LineItems    []LineItem `json:"lineItems,omitempty"`

	// Confidence is the OCR confidence in [0,1]. Not used by rule checks.
	Confidence float64 `json:"confidence"`
}

// LineItem is a single extracted receipt line.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity,omitempty"`
	Amount      float64 `json:"amount"`
}

// ExtractedDocument is the payload the OCR collaborator publishes on
// TopicDocumentExtracted.
type ExtractedDocument struct {
	TenantID string   `json:"tenantId"`
	TraceID  string   `json:"traceId,omitempty"`
	Document Document `json:"document"`

	// RequestType is the category the employee filed the receipt under.
	// Empty means the caller did not pick one.
	RequestType string `json:"requestType,omitempty"`
}
