package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"wedding-dispatch/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"
)

// SNSAPI is the part of the SNS client the SMS provider uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	GetSMSAttributes(ctx context.Context, params *sns.GetSMSAttributesInput, optFns ...func(*sns.Options)) (*sns.GetSMSAttributesOutput, error)
}

// SMSProvider sends transactional SMS through Amazon SNS.
type SMSProvider struct {
	client   SNSAPI
	senderID string
}

// NewSMSProvider creates an SMS provider over an existing SNS client.
func NewSMSProvider(client SNSAPI, senderID string) *SMSProvider {
	return &SMSProvider{client: client, senderID: senderID}
}

// NewSNSClient loads the default AWS configuration for region.
func NewSNSClient(ctx context.Context, region string) (*sns.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sns.NewFromConfig(cfg), nil
}

func (p *SMSProvider) Channel() models.Channel { return models.ChannelSMS }

func (p *SMSProvider) Send(ctx context.Context, msg Message) Result {
	if msg.Recipient == "" {
		return Failure(models.KindNoContact, "", "recipient has no phone number")
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if p.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(p.senderID)}
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String("+" + strings.TrimPrefix(msg.Recipient, "+")),
		Message:           aws.String(msg.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return classifySNSError(err)
	}
	return Sent(aws.ToString(out.MessageId))
}

func (p *SMSProvider) TestConnection(ctx context.Context) ConnectionInfo {
	out, err := p.client.GetSMSAttributes(ctx, &sns.GetSMSAttributesInput{
		Attributes: []string{"MonthlySpendLimit", "DefaultSenderID"},
	})
	if err != nil {
		return ConnectionInfo{Error: err.Error()}
	}
	return ConnectionInfo{
		Success:     true,
		AccountInfo: fmt.Sprintf("monthly spend limit %s USD", out.Attributes["MonthlySpendLimit"]),
	}
}

// classifySNSError maps SNS API error codes into the shared taxonomy.
func classifySNSError(err error) Result {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Failure(models.KindTransient, "", err.Error())
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return Failure(models.KindTransient, "", err.Error())
	}

	code := apiErr.ErrorCode()
	switch code {
	case "InvalidParameter", "InvalidParameterValue", "EndpointDisabled", "OptedOut":
		return Failure(models.KindRejectedByProvider, code, apiErr.ErrorMessage())
	case "AuthorizationError", "InvalidClientTokenId", "AccessDenied", "UnrecognizedClientException",
		"KMSAccessDenied", "KMSDisabled":
		return Failure(models.KindConfigMissing, code, apiErr.ErrorMessage())
	case "Throttled", "ThrottledException", "ThrottlingException", "KMSThrottling", "InternalError", "InternalFailure":
		return Failure(models.KindTransient, code, apiErr.ErrorMessage())
	case "MonthlySpendLimitExceeded", "SpendLimitExceeded":
		return Failure(models.KindQuotaExceeded, code, apiErr.ErrorMessage())
	}
	if apiErr.ErrorFault() == smithy.FaultClient {
		return Failure(models.KindRejectedByProvider, code, apiErr.ErrorMessage())
	}
	return Failure(models.KindTransient, code, apiErr.ErrorMessage())
}
