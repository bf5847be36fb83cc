package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/scribehq/notegen/internal/domain"
)

type fakeClient struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeClient) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.records = append(f.records, rs...)
	var results kgo.ProduceResults
	for _, r := range rs {
		results = append(results, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return results
}

func (f *fakeClient) Close() { f.closed = true }

func TestPublishJobEvent(t *testing.T) {
	client := &fakeClient{}
	p := &Producer{client: client, topic: TopicJobEvents}

	ev := domain.JobEvent{
		JobID:     "job-1",
		UserID:    "user-a",
		Type:      domain.JobTypeTextToSOAP,
		Status:    domain.JobQueued,
		Timestamp: time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.PublishJobEvent(context.Background(), ev))

	require.Len(t, client.records, 1)
	rec := client.records[0]
	assert.Equal(t, TopicJobEvents, rec.Topic)
	assert.Equal(t, []byte("job-1"), rec.Key, "events for one job must share a partition key")

	var got domain.JobEvent
	require.NoError(t, json.Unmarshal(rec.Value, &got))
	assert.Equal(t, ev, got)
}

func TestPublishJobEventSurfacesProduceError(t *testing.T) {
	client := &fakeClient{err: errors.New("broker down")}
	p := &Producer{client: client, topic: TopicJobEvents}

	err := p.PublishJobEvent(context.Background(), domain.JobEvent{JobID: "job-1"})
	assert.ErrorContains(t, err, "broker down")
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	_, err := NewProducer(nil, nil)
	assert.Error(t, err)
}

func TestCloseReleasesClient(t *testing.T) {
	client := &fakeClient{}
	p := &Producer{client: client, topic: TopicJobEvents}
	p.Close()
	assert.True(t, client.closed)
}
