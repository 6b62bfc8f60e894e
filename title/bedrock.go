package title

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/m4xw311/agentdeck/errors"
)

// Bedrock titles sessions with an Anthropic model on AWS Bedrock.
type Bedrock struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrock uses the AWS credentials configured in the environment.
// BEDROCK_ENDPOINT_URL overrides the service endpoint.
func NewBedrock(ctx context.Context, modelID string) (*Bedrock, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	endpoint := os.Getenv("BEDROCK_ENDPOINT_URL")
	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Bedrock{client: client, modelID: modelID}, nil
}

func (b *Bedrock) Title(ctx context.Context, firstMessage string) (string, error) {
	body, err := bedrockRequest(firstMessage)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create Anthropic request")
	}
	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to invoke Bedrock model")
	}
	return bedrockText(resp.Body)
}

// bedrockRequest builds an Anthropic messages body for InvokeModel.
func bedrockRequest(firstMessage string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens,
		"system":            instruction,
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{{
				"type": "text",
				"text": firstMessage,
			}},
		}},
	})
}

func bedrockText(body []byte) (string, error) {
	var response struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Error any `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}
	if response.Error != nil {
		return "", errors.New("Bedrock API error: %v", response.Error)
	}
	var b strings.Builder
	for _, item := range response.Content {
		if item.Type == "text" {
			b.WriteString(item.Text)
		}
	}
	return b.String(), nil
}
