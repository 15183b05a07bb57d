package sqsbackend

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/forensicweb/downloader/backend"
	"github.com/forensicweb/downloader/download"
)

// Backend publishes events by sending them to an SQS queue.
type Backend struct {
	svc     sqsiface.SQSAPI
	reports chan backend.Report
	ctx     context.Context
}

// ID returns "sqs".
func (b *Backend) ID() string {
	return "sqs"
}

// Start starts the backend by creating an SQS client for the configured
// region.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	region, ok := cfg["region"].(string)
	if !ok {
		return errors.New("region must be a string")
	}

	// Create a session that gets credential values from ~/.aws/credentials
	// and the default region from ~/.aws/config
	sqsSession, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return err
	}

	b.reports = make(chan backend.Report)
	b.svc = sqs.New(sqsSession)
	b.ctx = ctx

	return nil
}

// Notify sends ev to the queue at url. Messages are grouped by image id.
func (b *Backend) Notify(url string, ev download.Event) error {
	payload, err := ev.Bytes()
	if err != nil {
		return err
	}

	_, err = b.svc.SendMessageWithContext(b.ctx, &sqs.SendMessageInput{
		MessageBody: aws.String(string(payload)),
		QueueUrl:    aws.String(url),
		MessageAttributes: map[string]*sqs.MessageAttributeValue{
			"image_id": {DataType: aws.String("String"), StringValue: aws.String(ev.ImageID)},
			"state":    {DataType: aws.String("String"), StringValue: aws.String(string(ev.State))},
		},
	})
	if err != nil {
		return fmt.Errorf("Got an error sending the message: %w", err)
	}

	b.reports <- backend.Report{Event: ev, Delivered: true}
	return nil
}

// DeliveryReports returns a channel of emmited events
func (b *Backend) DeliveryReports() <-chan backend.Report {
	return b.reports
}

// Stop shuts down the backend
func (b *Backend) Stop() error {
	close(b.reports)
	return nil
}
