package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/wacrm/internal/domain"
	"github.com/aelexs/wacrm/internal/otp"
)

// snsPublisher is a narrow, consumer-defined interface for the subset of SNS
// operations required by the SNS gateway. The real *sns.Client satisfies it.
type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

var (
	_ otp.DeliveryGateway = (*SNSGateway)(nil)
	_ otp.DeliveryGateway = (*LogGateway)(nil)
)

// SNSGateway delivers codes as SMS through Amazon SNS.
type SNSGateway struct {
	client snsPublisher
}

// NewSNSGateway creates an SNSGateway backed by the given SNS client.
func NewSNSGateway(client snsPublisher) *SNSGateway {
	return &SNSGateway{client: client}
}

// Send publishes body to the destination phone number.
func (g *SNSGateway) Send(ctx context.Context, destination, body string) error {
	ctx, span := tracer.Start(ctx, "sns.publish")
	defer span.End()

	_, err := g.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: &destination,
		Message:     &body,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errors.Join(
			fmt.Errorf("sns gateway: send to %s: %w", otp.MaskPhone(destination), err),
			domain.ErrUnavailable,
		)
	}
	return nil
}

// LogGateway logs messages instead of sending them. It is meant for local
// development, where the logged body is the only way to read the code.
type LogGateway struct {
	logger *slog.Logger
}

// NewLogGateway creates a LogGateway that writes to logger.
func NewLogGateway(logger *slog.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(ctx context.Context, destination, body string) error {
	g.logger.InfoContext(ctx, "otp.delivered_to_log",
		slog.String("destination", otp.MaskPhone(destination)),
		slog.String("message", body),
	)
	return nil
}
