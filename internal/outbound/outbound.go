// Package outbound adapts the transactional email provider (SESv2) into the
// single raw-send call the SMTP session needs.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
)

// Envelope is the accumulated SMTP submission: one sender, one or more
// recipients, and the raw MIME bytes gathered during DATA.
type Envelope struct {
	From string
	To   []string
	Data []byte
}

// sesAPI is the subset of the SESv2 client the transport uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Transport hands fully-formed envelopes to the provider. No retries happen
// at this layer; retry policy belongs to the provider side.
type Transport struct {
	client  sesAPI
	timeout time.Duration
}

// New returns a Transport over the given SESv2 client.
func New(client *sesv2.Client, timeout time.Duration) *Transport {
	return newTransport(client, timeout)
}

func newTransport(client sesAPI, timeout time.Duration) *Transport {
	return &Transport{client: client, timeout: timeout}
}

// Send submits env as a single raw MIME send and returns the provider
// message id.
func (t *Transport) Send(ctx context.Context, env Envelope) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := t.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(env.From),
		Destination: &types.Destination{
			ToAddresses: env.To,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: env.Data},
		},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}
