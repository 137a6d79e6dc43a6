// Package modelrelay implements the ModelTransport collaborator:
// relaying model/send payloads to an inference backend and model/log
// payloads to a local sink. Two backends are provided, AWS Bedrock
// and a local Ollama server.
package modelrelay

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/vmwarden/vmwarden/internal/model"
)

// BedrockConfig holds Bedrock transport settings.
type BedrockConfig struct {
	Region    string
	ModelID   string
	AccessKey string
	SecretKey string
	LogSink   io.Writer
}

// Bedrock relays payloads to an AWS Bedrock model.
type Bedrock struct {
	client  *bedrockruntime.Client
	modelID string
	sink    io.Writer
	mu      sync.Mutex
}

// NewBedrock builds a Bedrock transport. Credentials fall back to the
// default AWS chain when AccessKey is empty.
func NewBedrock(ctx context.Context, cfg BedrockConfig) (*Bedrock, error) {
	if cfg.ModelID == "" {
		return nil, fmt.Errorf("modelrelay: bedrock model id required")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("modelrelay: load aws config: %w", err)
	}
	sink := cfg.LogSink
	if sink == nil {
		sink = os.Stderr
	}
	return &Bedrock{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		modelID: cfg.ModelID,
		sink:    sink,
	}, nil
}

// Send relays a prompt payload through the Bedrock Converse API.
func (b *Bedrock) Send(ctx context.Context, target model.TargetID, payload map[string]any) (map[string]any, error) {
	prompt, _ := payload["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("modelrelay: missing prompt in payload")
	}

	out, err := b.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(b.modelID),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("modelrelay: bedrock converse: %w", err)
	}

	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok || len(msg.Value.Content) == 0 {
		return nil, fmt.Errorf("modelrelay: bedrock returned no message content")
	}
	text, ok := msg.Value.Content[0].(*brtypes.ContentBlockMemberText)
	if !ok {
		return nil, fmt.Errorf("modelrelay: bedrock returned non-text content")
	}

	return map[string]any{
		"model":    b.modelID,
		"response": text.Value,
	}, nil
}

// Log writes a model log line to the configured sink.
func (b *Bedrock) Log(ctx context.Context, target model.TargetID, payload map[string]any) error {
	return writeLogLine(&b.mu, b.sink, target, payload)
}

func writeLogLine(mu *sync.Mutex, sink io.Writer, target model.TargetID, payload map[string]any) error {
	line, _ := payload["line"].(string)
	source, _ := payload["source"].(string)
	mu.Lock()
	defer mu.Unlock()
	_, err := fmt.Fprintf(sink, "%s [%s] %s: %s\n",
		time.Now().UTC().Format(time.RFC3339), target, source, line)
	return err
}
