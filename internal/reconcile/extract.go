package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"retailpos/internal/domain"
)

// Extractor turns the raw text of a document into structured fields.
type Extractor interface {
	Extract(ctx context.Context, text string) (domain.ExtractedInvoice, error)
}

const extractPrompt = `You read payment documents for a retail store (receipts, bank transfer slips, invoices).
Return only a JSON object with these string fields:
"order_id", "total_amount", "payment_method", "customer_name", "customer_phone".
Copy values exactly as printed. Use an empty string for anything not on the document.

Document:
`

type GeminiExtractor struct {
	client *genai.Client
	model  string
}

func NewGeminiExtractor(ctx context.Context, apiKey string, model string) (*GeminiExtractor, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-2.0-flash-001"
	}
	return &GeminiExtractor{client: client, model: model}, nil
}

func (g *GeminiExtractor) Extract(ctx context.Context, text string) (domain.ExtractedInvoice, error) {
	if strings.TrimSpace(text) == "" {
		return domain.ExtractedInvoice{}, domain.NewValidationError("raw_text", "is required")
	}
	model := g.client.GenerativeModel(g.model)
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(0)

	resp, err := model.GenerateContent(ctx, genai.Text(extractPrompt+text))
	if err != nil {
		return domain.ExtractedInvoice{}, fmt.Errorf("gemini extract: %w", err)
	}
	return decodeExtraction(resp)
}

func (g *GeminiExtractor) Close() error {
	return g.client.Close()
}

func decodeExtraction(resp *genai.GenerateContentResponse) (domain.ExtractedInvoice, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return domain.ExtractedInvoice{}, errors.New("gemini returned no candidates")
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return ParseExtraction(b.String())
}

// ParseExtraction decodes the model output, tolerating a markdown code fence
// around the JSON.
func ParseExtraction(raw string) (domain.ExtractedInvoice, error) {
	body := strings.TrimSpace(raw)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")

	var out domain.ExtractedInvoice
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &out); err != nil {
		return domain.ExtractedInvoice{}, fmt.Errorf("decode extraction: %w", err)
	}
	return out, nil
}
