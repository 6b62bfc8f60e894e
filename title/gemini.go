package title

import (
	"context"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/agentdeck/errors"
	"google.golang.org/api/option"
)

// Gemini titles sessions with the Google Gemini API.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini requires the GEMINI_API_KEY environment variable to be set.
func NewGemini(ctx context.Context, modelName string) (*Gemini, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	model := client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(instruction)}}
	model.SetMaxOutputTokens(maxTokens)
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Title(ctx context.Context, firstMessage string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(firstMessage))
	if err != nil {
		return "", errors.Wrapf(err, "failed to send message to Gemini")
	}
	return geminiText(resp), nil
}

func (g *Gemini) Close() error {
	return g.client.Close()
}

func geminiText(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return ""
	}
	for _, part := range cand.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}
