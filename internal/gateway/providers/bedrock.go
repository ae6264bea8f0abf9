package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockProvider invokes Claude models on AWS Bedrock
type BedrockProvider struct {
	client *bedrockruntime.Client
}

// bedrockRequest is the Anthropic message body Bedrock expects for Claude models
type bedrockRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Temperature      *float32           `json:"temperature,omitempty"`
	Messages         []AnthropicMessage `json:"messages"`
}

// ParseBedrockSecret splits ACCESS_KEY_ID:SECRET_ACCESS_KEY[:REGION]
func ParseBedrockSecret(secret string) (accessKey, secretKey, region string, err error) {
	parts := strings.SplitN(secret, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", errors.New("bedrock secret must be ACCESS_KEY_ID:SECRET_ACCESS_KEY[:REGION]")
	}
	if len(parts) == 3 {
		region = parts[2]
	}
	return parts[0], parts[1], region, nil
}

// NewBedrockProvider creates a Bedrock adapter from a static key pair
func NewBedrockProvider(ctx context.Context, secret string, opts Options) (*BedrockProvider, error) {
	accessKey, secretKey, region, err := ParseBedrockSecret(secret)
	if err != nil {
		return nil, err
	}
	if region == "" {
		region = opts.Region
	}
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithHTTPClient(defaultHTTPClient(opts.HTTPClient)),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}

	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		// retries belong to the dispatch loop
		o.RetryMaxAttempts = 1
		if opts.BaseURL != "" {
			o.BaseEndpoint = aws.String(opts.BaseURL)
		}
	})
	return &BedrockProvider{client: client}, nil
}

func (p *BedrockProvider) Provider() string { return "bedrock" }

func (p *BedrockProvider) DefaultModels() []string {
	return []string{"anthropic.claude-3-haiku-20240307-v1:0", "anthropic.claude-3-5-sonnet-20240620-v1:0"}
}

// Complete calls InvokeModel with an Anthropic message body
func (p *BedrockProvider) Complete(ctx context.Context, req CompletionRequest) *Response {
	return withModelFallback(req, p.DefaultModels(), func(model string) *Response {
		return p.invoke(ctx, model, req)
	})
}

func (p *BedrockProvider) invoke(ctx context.Context, model string, req CompletionRequest) *Response {
	start := time.Now()

	msg := convertAnthropicRequest(model, req)
	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        msg.MaxTokens,
		System:           msg.System,
		Temperature:      msg.Temperature,
		Messages:         msg.Messages,
	})
	if err != nil {
		return failure(model, start, 0, fmt.Sprintf("failed to marshal request: %v", err))
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return bedrockFailure(ctx, model, start, err)
	}

	var resp AnthropicResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return failure(model, start, http.StatusOK, fmt.Sprintf("failed to unmarshal response: %v", err))
	}
	if resp.Model == "" {
		resp.Model = model
	}
	return convertAnthropicResponse(resp, model, start)
}

func bedrockFailure(ctx context.Context, model string, start time.Time, err error) *Response {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return statusFailure(model, start, respErr.HTTPStatusCode(), []byte(respErr.Err.Error()), nil)
	}
	return transportFailure(ctx, model, start, err)
}

// ValidateCredential sends a one-token request to the cheapest default model
func (p *BedrockProvider) ValidateCredential(ctx context.Context) (bool, string) {
	resp := p.invoke(ctx, p.DefaultModels()[0], CompletionRequest{
		Messages:  []Message{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if resp.Success {
		return true, "credential is valid"
	}
	if resp.StatusCode == 0 {
		return false, resp.Error
	}
	return validateStatus(resp.StatusCode, nil, []byte(resp.Error), nil)
}
