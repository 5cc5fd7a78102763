package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	sent []sqs.SendMessageInput
	err  error
}

func (f *fakeSQS) SendMessage(_ context.Context, input *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, *input)
	return &sqs.SendMessageOutput{}, nil
}

func TestPublishSendsEventBody(t *testing.T) {
	fake := &fakeSQS{}
	p := New(fake, "https://queue.example/maintenance")

	err := p.Publish(context.Background(), Event{Kind: KindPromotion, CID: "bfoo", FromTier: "disk", ToTier: "memory", At: 42})
	require.NoError(t, err)
	require.Len(t, fake.sent, 1)

	var got Event
	require.NoError(t, json.Unmarshal([]byte(*fake.sent[0].MessageBody), &got))
	assert.Equal(t, KindPromotion, got.Kind)
	assert.Equal(t, "bfoo", got.CID)
	assert.Equal(t, "disk", got.FromTier)
	assert.Equal(t, "memory", got.ToTier)
}

func TestPublishPropagatesClientError(t *testing.T) {
	fake := &fakeSQS{err: errors.New("throttled")}
	p := New(fake, "https://queue.example/maintenance")

	err := p.Publish(context.Background(), Event{Kind: KindDemotion, CID: "bfoo"})
	assert.Error(t, err)
}

func TestNoopPublisherIsSafe(t *testing.T) {
	p := NewNoop()
	err := p.Publish(context.Background(), Event{Kind: KindReplicationTopup, CID: "bfoo"})
	assert.NoError(t, err)
}

func TestNilPublisherIsSafe(t *testing.T) {
	var p *Publisher
	err := p.Publish(context.Background(), Event{Kind: KindPromotion, CID: "bfoo"})
	assert.NoError(t, err)
}
