// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/mailpipe/internal/email"
	"github.com/shineum/mailpipe/internal/provider"
)

const providerName = "ses"

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	Sender           string
	ConfigurationSet string
}

// SESProvider sends emails via the AWS SES v2 API.
type SESProvider struct {
	sender           string
	configurationSet string
	client           SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// The SDK's own retryer is disabled; the queue owns retries.
	client := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		o.RetryMaxAttempts = 1
	})

	return &SESProvider{
		sender:           cfg.Sender,
		configurationSet: cfg.ConfigurationSet,
		client:           client,
	}, nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender: sender,
		client: client,
	}
}

// Send makes one delivery attempt via AWS SES v2 and returns the SES
// message id. Emails with attachments are sent as raw MIME; others use the
// SES simple format.
func (s *SESProvider) Send(ctx context.Context, msg *email.Email) (string, error) {
	var input *sesv2.SendEmailInput

	if len(msg.Attachments) > 0 {
		// Bcc travels only in the destination.
		raw, err := provider.BuildMIME(s.sender, msg, false)
		if err != nil {
			return "", provider.Permanent(providerName, 0, fmt.Errorf("build raw message: %w", err))
		}
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(s.sender),
			Destination:      destination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{
					Data: raw,
				},
			},
		}
	} else {
		input = buildSimpleInput(s.sender, msg)
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		derr := classify(err)
		slog.Warn("SES API error",
			"error", err,
			"permanent", derr.Permanent,
		)
		return "", derr
	}

	return aws.ToString(out.MessageId), nil
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return providerName
}

// classify maps an SES error onto a DeliveryError. Client faults are
// permanent except throttling and paused sending.
func classify(err error) *provider.DeliveryError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return provider.Transient(providerName, 0, err)
	}

	status := 0
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		status = re.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "LimitExceededException", "Throttling", "ThrottlingException", "SendingPausedException":
			return provider.Transient(providerName, status, err)
		}
		if apiErr.ErrorFault() == smithy.FaultClient {
			return provider.Permanent(providerName, status, err)
		}
		return provider.Transient(providerName, status, err)
	}

	if status != 0 {
		return provider.FromStatus(providerName, status, err)
	}
	return provider.Transient(providerName, 0, err)
}

func destination(msg *email.Email) *types.Destination {
	return &types.Destination{
		ToAddresses:  msg.To,
		CcAddresses:  msg.Cc,
		BccAddresses: msg.Bcc,
	}
}

// buildSimpleInput creates a SES SendEmailInput for emails without attachments.
func buildSimpleInput(sender string, msg *email.Email) *sesv2.SendEmailInput {
	body := &types.Body{}

	if msg.HtmlBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HtmlBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      destination(msg),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}
