package sqsqueue

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"wasched/internal/events"
)

type Producer struct {
	SQS      *sqs.Client
	QueueURL string
}

func (p *Producer) Name() string { return "sqs" }

func (p *Producer) Publish(ctx context.Context, ev events.DispatchEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if isFIFO(p.QueueURL) {
		// one ordering group per task; the id+status+time pair is unique per outcome
		in.MessageGroupId = str(messageGroupID(ev))
		in.MessageDeduplicationId = str(dedupID(ev))
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

func isFIFO(queueURL string) bool { return strings.HasSuffix(queueURL, ".fifo") }

func messageGroupID(ev events.DispatchEvent) string {
	if ev.TaskID != "" {
		return ev.TaskID
	}
	return "send-now"
}

func dedupID(ev events.DispatchEvent) string {
	return messageGroupID(ev) + ":" + ev.Status + ":" + ev.OccurredAt.UTC().Format("20060102T150405.000000000")
}

func str(s string) *string { return &s }
