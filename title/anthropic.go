package title

import (
	"context"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/agentdeck/errors"
)

// Anthropic titles sessions with the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

// NewAnthropic requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropic(model string) (*Anthropic, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Anthropic{client: &client, model: model}, nil
}

func (a *Anthropic) Title(ctx context.Context, firstMessage string) (string, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: instruction}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(firstMessage)),
		},
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to send message to Anthropic")
	}
	return anthropicText(resp), nil
}

func anthropicText(resp *anthropic.Message) string {
	var b strings.Builder
	for _, content := range resp.Content {
		if c, ok := content.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}
