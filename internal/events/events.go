// Package events publishes maintenance-loop events (promotion, demotion,
// replication top-up) to SQS so an external observer can react without
// polling the cache. Grounded on the teacher's pkg/queue SQS client.
package events

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Kind names the maintenance event types.
type Kind string

const (
	KindPromotion        Kind = "promotion"
	KindDemotion         Kind = "demotion"
	KindReplicationTopup Kind = "replication_topup"
)

// Event is the message body published to the queue.
type Event struct {
	Kind      Kind                   `json:"kind"`
	CID       string                 `json:"cid"`
	FromTier  string                 `json:"from_tier,omitempty"`
	ToTier    string                 `json:"to_tier,omitempty"`
	At        int64                  `json:"at"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// SQSAPI is the subset of the SQS client Publisher needs; narrowed for
// testability the way the teacher's SQSAPI interface is.
type SQSAPI interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends maintenance events to an SQS queue. A nil Publisher (or
// one built with NewNoop) is a safe no-op: SQS is an optional dependency,
// not every deployment needs an external event stream.
type Publisher struct {
	client   SQSAPI
	queueURL string
}

// New wraps an already-configured SQS client.
func New(client SQSAPI, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL}
}

// NewNoop returns a Publisher that drops every event. Used when no queue
// URL is configured.
func NewNoop() *Publisher {
	return &Publisher{}
}

// Publish sends ev to the queue. It is a no-op when the Publisher has no
// backing client.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if p == nil || p.client == nil {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	return err
}
