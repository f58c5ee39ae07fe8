package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/pitchline/pkg/core"
	"github.com/vango-go/pitchline/pkg/memory"
)

const extractionPrompt = `You are an information extraction assistant. Analyze the user's message and extract any relevant information for a credit card sales context.

Extract the following if mentioned:
- name: The user's name
- location: City, area, or region they're from
- work_status: Their employment (employed, freelance, business owner, student, etc.)
- swiggy_frequency: How often they order from Swiggy (e.g., "3-4 times per week", "daily", "occasionally")
- swiggy_amount_per_order: Average amount per Swiggy order in rupees (just the number)
- monthly_food_spend: Total monthly food delivery spend (just the number)
- budget_conscious: true/false if they mention being careful with money
- savings_focused: true/false if they mention saving money as a goal
- financial_concerns: List any financial worries mentioned
- existing_cards: List any credit cards they mention having
- card_satisfaction: Their feelings about current cards (satisfied, unsatisfied, neutral)
- card_pain_points: Any issues with current cards
- objections_raised: Any objections to the credit card offer

Return a JSON object with ONLY the fields that have clear values from the user's message.
Return {} if no relevant information can be extracted.

User message: %s

JSON output:`

// GeminiConfig configures the Gemini-backed generator and extractor.
type GeminiConfig struct {
	APIKey          string
	Model           string
	ExtractionModel string
	Temperature     float32
	MaxOutputTokens int32
}

func (c *GeminiConfig) applyDefaults() {
	if c.Model == "" {
		c.Model = "gemini-2.0-flash"
	}
	if c.ExtractionModel == "" {
		c.ExtractionModel = c.Model
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = 1024
	}
}

// Gemini backs both the responder and the profile extractor with the
// Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
}

// NewGemini dials the Gemini API.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, core.NewConfigurationError("gemini api key is required")
	}
	cfg.applyDefaults()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, core.NewGenerationError("create gemini client", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

// genaiRole maps a conversation role onto the two roles the Gemini
// content API accepts. System lines never reach the history; anything
// that is not the assistant speaks as the user.
func genaiRole(role memory.Role) genai.Role {
	if role == memory.RoleAssistant {
		return genai.RoleModel
	}
	return genai.RoleUser
}

// Generate implements Generator.
func (g *Gemini) Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, msg := range req.History {
		contents = append(contents, genai.NewContentFromText(msg.Content, genaiRole(msg.Role)))
	}
	contents = append(contents, genai.NewContentFromText(req.Utterance, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.SystemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(g.cfg.Temperature),
		MaxOutputTokens:   g.cfg.MaxOutputTokens,
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, contents, cfg)
	if err != nil {
		return GenerationResult{}, fmt.Errorf("gemini generate: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return GenerationResult{}, fmt.Errorf("gemini generate: empty response")
	}

	var tokens int64
	if resp.UsageMetadata != nil {
		tokens = int64(resp.UsageMetadata.TotalTokenCount)
	}
	return GenerationResult{Text: text, TokensUsed: tokens}, nil
}

var jsonObjectRe = regexp.MustCompile(`\{[\s\S]*\}`)

// Extract implements ExtractionModel. Extraction runs at temperature
// zero with a JSON response type; a reply that still is not valid JSON
// is reported as an error so the rule results stand alone.
func (g *Gemini) Extract(ctx context.Context, utterance string) (map[string]any, error) {
	prompt := fmt.Sprintf(extractionPrompt, utterance)

	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0)),
		MaxOutputTokens:  512,
		ResponseMIMEType: "application/json",
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.ExtractionModel,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini extract: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return map[string]any{}, nil
	}
	if m := jsonObjectRe.FindString(text); m != "" {
		text = m
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("gemini extract: parse response: %w", err)
	}
	return out, nil
}
