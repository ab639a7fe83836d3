// Package sns delivers pushes to AWS SNS mobile platform endpoints. The
// endpoint string is the platform endpoint ARN.
package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"chatpush/internal/push"
	logx "chatpush/pkg/logx"
)

const defaultRegion = "us-east-1"

// API is the part of the SNS client the provider uses.
type API interface {
	Publish(ctx context.Context, in *awssns.PublishInput, optFns ...func(*awssns.Options)) (*awssns.PublishOutput, error)
	GetEndpointAttributes(ctx context.Context, in *awssns.GetEndpointAttributesInput, optFns ...func(*awssns.Options)) (*awssns.GetEndpointAttributesOutput, error)
}

type Provider struct {
	api API
	log logx.Logger
}

// New loads the default AWS credential chain for region.
func New(ctx context.Context, region string, log logx.Logger) (*Provider, error) {
	region = strings.TrimSpace(region)
	if region == "" {
		region = defaultRegion
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("sns: load aws config: %w", err)
	}
	return NewWithClient(awssns.NewFromConfig(cfg), log), nil
}

func NewWithClient(api API, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provider{api: api, log: log}
}

func (p *Provider) Name() string { return "sns" }

func (p *Provider) Send(ctx context.Context, msg push.Message) error {
	body, err := encode(msg)
	if err != nil {
		return err
	}
	_, err = p.api.Publish(ctx, &awssns.PublishInput{
		MessageStructure: aws.String("json"),
		Message:          aws.String(body),
		TargetArn:        aws.String(msg.Endpoint),
	})
	return mapErr(err)
}

// Validate reads the endpoint attributes; nothing is published.
func (p *Provider) Validate(ctx context.Context, endpoint string) error {
	out, err := p.api.GetEndpointAttributes(ctx, &awssns.GetEndpointAttributesInput{
		EndpointArn: aws.String(endpoint),
	})
	if err != nil {
		return mapErr(err)
	}
	if strings.EqualFold(out.Attributes["Enabled"], "false") {
		return fmt.Errorf("%w: sns endpoint disabled", push.ErrInvalidEndpoint)
	}
	return nil
}

// encode builds the SNS per-protocol envelope. The GCM value is itself a
// JSON string.
func encode(msg push.Message) (string, error) {
	gcm := map[string]any{
		"notification": map[string]string{
			"title":              msg.Notification.Title,
			"body":               msg.Notification.Body,
			"android_channel_id": msg.Android.ChannelID,
		},
		"data":     msg.Data,
		"priority": msg.Android.Priority,
	}
	inner, err := json.Marshal(gcm)
	if err != nil {
		return "", err
	}
	outer, err := json.Marshal(map[string]string{
		"default": msg.Notification.Body,
		"GCM":     string(inner),
	})
	if err != nil {
		return "", err
	}
	return string(outer), nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var disabled *types.EndpointDisabledException
	var notFound *types.NotFoundException
	if errors.As(err, &disabled) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", push.ErrInvalidEndpoint, err)
	}
	return fmt.Errorf("sns: %w", err)
}
