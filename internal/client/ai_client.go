package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/basinflow/be-afe-invoices/internal/config"
	"github.com/basinflow/be-afe-invoices/pkg/errors"
)

const extractionSystemPrompt = `You are an accounts-payable document extraction engine for oil and gas field operations.
Extract invoice fields from the supplied document and answer with a single JSON object matching the requested schema.
Amounts are decimal numbers in the invoice currency. Dates use YYYY-MM-DD.
AFE numbers look like AFE-2024-0017. Well identifiers are UWI/API strings.
For every extracted field report a confidence score between 0 and 1 under confidence_scores, keyed by field name.
Use null for fields that are absent from the document. Never invent values.`

// ExtractionLineItem is a single invoice line as reported by the model.
type ExtractionLineItem struct {
	Description    string   `json:"description"`
	Quantity       float64  `json:"quantity"`
	UnitPrice      *float64 `json:"unit_price"`
	Amount         float64  `json:"amount"`
	WellIdentifier *string  `json:"well_identifier"`
}

// ExtractionPayload is the structured document content returned by the
// extraction model. Monetary fields are decimal amounts in the invoice
// currency; conversion to cents happens in the service layer.
type ExtractionPayload struct {
	VendorName         *string              `json:"vendor_name"`
	InvoiceNumber      *string              `json:"invoice_number"`
	InvoiceDate        *string              `json:"invoice_date"`
	DueDate            *string              `json:"due_date"`
	TotalAmount        *float64             `json:"total_amount"`
	Currency           *string              `json:"currency"`
	AFENumber          *string              `json:"afe_number"`
	WellIdentifier     *string              `json:"well_identifier"`
	FieldTicketNumbers []string             `json:"field_ticket_numbers"`
	PONumber           *string              `json:"po_number"`
	ServicePeriodStart *string              `json:"service_period_start"`
	ServicePeriodEnd   *string              `json:"service_period_end"`
	LineItems          []ExtractionLineItem `json:"line_items"`
	ConfidenceScores   map[string]float64   `json:"confidence_scores"`
}

// ExtractionResult carries the parsed payload together with the raw model
// output. Parsed is false when the model answered but the answer was not
// valid JSON; callers degrade gracefully instead of failing the invoice.
type ExtractionResult struct {
	Payload *ExtractionPayload
	Raw     string
	Parsed  bool
}

// ExtractorClient talks to an OpenAI-compatible chat completions endpoint.
type ExtractorClient struct {
	endpoint    string
	model       string
	visionModel string
	apiKey      string
	httpClient  *http.Client
	logger      zerolog.Logger
}

// NewExtractorClient builds a client from configuration.
func NewExtractorClient(cfg config.ExtractorConfig, logger zerolog.Logger) *ExtractorClient {
	return &ExtractorClient{
		endpoint:    cfg.Endpoint,
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
		apiKey:      cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With().Str("component", "extractor_client").Logger(),
	}
}

// ExtractFromText sends plain document text for extraction.
func (c *ExtractorClient) ExtractFromText(ctx context.Context, text string) (*ExtractionResult, error) {
	userMessage := map[string]any{
		"role":    "user",
		"content": "Extract the invoice fields from this document:\n\n" + text,
	}
	return c.complete(ctx, c.model, userMessage)
}

// ExtractFromDocument sends binary document content (PDF or image) as a
// base64 data URL for vision extraction.
func (c *ExtractorClient) ExtractFromDocument(ctx context.Context, data []byte, mimeType string) (*ExtractionResult, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
	userMessage := map[string]any{
		"role": "user",
		"content": []map[string]any{
			{"type": "text", "text": "Extract the invoice fields from this document."},
			{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
		},
	}
	model := c.visionModel
	if model == "" {
		model = c.model
	}
	return c.complete(ctx, model, userMessage)
}

func (c *ExtractorClient) complete(ctx context.Context, model string, userMessage map[string]any) (*ExtractionResult, error) {
	if c.apiKey == "" || c.endpoint == "" || model == "" {
		return nil, errors.New(errors.ErrCodeUnavailable, "extractor client misconfigured")
	}

	body, err := json.Marshal(map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "system", "content": extractionSystemPrompt},
			userMessage,
		},
		"response_format": map[string]string{"type": "json_object"},
		"temperature":     0,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "marshal extraction request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "build extraction request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "extraction request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Error().
			Int("status", resp.StatusCode).
			Str("detail", strings.TrimSpace(string(detail))).
			Msg("extraction endpoint returned error")
		return nil, errors.Newf(errors.ErrCodeUnavailable, "extraction endpoint returned %s", resp.Status)
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "decode extraction response")
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New(errors.ErrCodeUnavailable, "extraction response contained no choices")
	}

	raw := completion.Choices[0].Message.Content
	result := &ExtractionResult{Raw: raw}

	var payload ExtractionPayload
	if err := json.Unmarshal([]byte(stripMarkdownFences(raw)), &payload); err != nil {
		c.logger.Warn().Err(err).Msg("extraction output is not valid JSON")
		return result, nil
	}
	result.Payload = &payload
	result.Parsed = true
	return result, nil
}

// stripMarkdownFences removes a surrounding ```json ... ``` block that some
// models emit despite the JSON response format.
func stripMarkdownFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
