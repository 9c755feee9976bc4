package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/common/messaging"
	"github.com/ticketdesk/boxoffice/webhook/internal/models"
)

type fakeStream struct {
	mu   sync.Mutex
	msgs []*messaging.Message
	err  error
}

func (f *fakeStream) PublishSync(_ context.Context, msg *messaging.Message) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	return &jetstream.PubAck{Stream: "BOXOFFICE_DLQ", Sequence: uint64(len(f.msgs))}, nil
}

func testEvent() *models.VerifiedEvent {
	return &models.VerifiedEvent{
		Source:    models.SourceStripe,
		EventID:   "evt_dead",
		EventType: "checkout.session.completed",
		Payload:   json.RawMessage(`{"id":"cs_1"}`),
	}
}

func TestJetStreamQueue_Write(t *testing.T) {
	stream := &fakeStream{}
	q := &JetStreamQueue{pub: stream, logger: logging.Discard()}

	err := q.Write(context.Background(), testEvent(), errors.New("metadata.tier missing"), "rejected")
	require.NoError(t, err)

	require.Len(t, stream.msgs, 1)
	msg := stream.msgs[0]
	assert.Equal(t, "boxoffice.dlq.rejected", msg.Subject)
	assert.Equal(t, "rejected:stripe:evt_dead", msg.MsgID())

	var failed FailedEvent
	require.NoError(t, json.Unmarshal(msg.Data, &failed))
	assert.Equal(t, "evt_dead", failed.Event.EventID)
	assert.Equal(t, "metadata.tier missing", failed.Error)
	assert.Equal(t, "rejected", failed.Reason)
	assert.Equal(t, 1, failed.Attempts)
	assert.False(t, failed.Timestamp.IsZero())

	stats := q.Stats(context.Background())
	assert.Equal(t, uint64(1), stats["written_local"])
}

// fakeJetStream stands in for the DLQ stream; only the calls the queue makes
// are implemented.
type fakeJetStream struct {
	jetstream.Stream
	msgs   [][]byte
	err    error
	filter string
}

func (s *fakeJetStream) Info(context.Context, ...jetstream.StreamInfoOpt) (*jetstream.StreamInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	var size uint64
	for _, m := range s.msgs {
		size += uint64(len(m))
	}
	return &jetstream.StreamInfo{State: jetstream.StreamState{
		Msgs:     uint64(len(s.msgs)),
		Bytes:    size,
		FirstSeq: 1,
		LastSeq:  uint64(len(s.msgs)),
	}}, nil
}

func (s *fakeJetStream) Purge(context.Context, ...jetstream.StreamPurgeOpt) error {
	if s.err != nil {
		return s.err
	}
	s.msgs = nil
	return nil
}

func (s *fakeJetStream) CreateOrUpdateConsumer(_ context.Context, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.filter = cfg.FilterSubject
	return &fakeConsumer{msgs: s.msgs}, nil
}

type fakeConsumer struct {
	jetstream.Consumer
	msgs [][]byte
}

func (c *fakeConsumer) Fetch(batch int, _ ...jetstream.FetchOpt) (jetstream.MessageBatch, error) {
	ch := make(chan jetstream.Msg, len(c.msgs))
	for i, data := range c.msgs {
		if i >= batch {
			break
		}
		ch <- fakeMsg{data: data}
	}
	close(ch)
	return fakeBatch{ch: ch}, nil
}

type fakeBatch struct{ ch chan jetstream.Msg }

func (b fakeBatch) Messages() <-chan jetstream.Msg { return b.ch }
func (b fakeBatch) Error() error                   { return nil }

type fakeMsg struct {
	jetstream.Msg
	data []byte
}

func (m fakeMsg) Data() []byte { return m.data }

func TestJetStreamQueue_Inspect(t *testing.T) {
	pub := &fakeStream{}
	stream := &fakeJetStream{}
	q := &JetStreamQueue{pub: pub, stream: stream, logger: logging.Discard()}
	ctx := context.Background()

	require.NoError(t, q.Write(ctx, testEvent(), errors.New("metadata.tier missing"), "rejected"))
	second := testEvent()
	second.EventID = "evt_dead_2"
	require.NoError(t, q.Write(ctx, second, errors.New("ledger timeout"), "handler_failed"))
	for _, msg := range pub.msgs {
		stream.msgs = append(stream.msgs, msg.Data)
	}
	stream.msgs = append(stream.msgs, []byte("not json"))

	events, err := q.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "boxoffice.dlq.>", stream.filter)
	assert.Equal(t, "evt_dead", events[0].Event.EventID)
	assert.Equal(t, "handler_failed", events[1].Reason)

	events, err = q.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	stats := q.Stats(ctx)
	assert.Equal(t, true, stats["enabled"])
	assert.Equal(t, uint64(3), stats["total_messages"])
	assert.Equal(t, uint64(2), stats["written_local"])

	require.NoError(t, q.Purge(ctx))
	events, err = q.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestJetStreamQueue_InspectStreamDown(t *testing.T) {
	q := &JetStreamQueue{pub: &fakeStream{}, stream: &fakeJetStream{err: errors.New("nats: timeout")}, logger: logging.Discard()}
	ctx := context.Background()

	_, err := q.List(ctx, 10)
	assert.ErrorContains(t, err, "nats: timeout")
	assert.ErrorContains(t, q.Purge(ctx), "nats: timeout")
	assert.Equal(t, "nats: timeout", q.Stats(ctx)["error"])
}

func TestJetStreamQueue_PublishError(t *testing.T) {
	q := &JetStreamQueue{pub: &fakeStream{err: errors.New("no responders")}, logger: logging.Discard()}

	err := q.Write(context.Background(), testEvent(), errors.New("x"), "handler_failed")
	assert.ErrorContains(t, err, "no responders")
}

func TestJetStreamQueue_Nil(t *testing.T) {
	var q *JetStreamQueue

	assert.NoError(t, q.Write(context.Background(), testEvent(), errors.New("x"), "r"))
	assert.Equal(t, false, q.Stats(context.Background())["enabled"])
	_, err := q.List(context.Background(), 10)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.ErrorIs(t, q.Purge(context.Background()), ErrDisabled)
}

func TestNoop(t *testing.T) {
	var w Writer = Noop{}
	assert.NoError(t, w.Write(context.Background(), testEvent(), nil, "r"))
}
