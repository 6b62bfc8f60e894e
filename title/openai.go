package title

import (
	"context"
	"os"

	"github.com/m4xw311/agentdeck/errors"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAI titles sessions with the Chat Completions API. OPENAI_BASE_URL
// selects a compatible endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI requires the OPENAI_API_KEY environment variable to be set.
func NewOpenAI(model string) (*OpenAI, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	c := openai.NewClient(options...)
	return &OpenAI{client: &c, model: model}, nil
}

func (o *OpenAI) Title(ctx context.Context, firstMessage string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(instruction),
			openai.UserMessage(firstMessage),
		},
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to send message to OpenAI")
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
