package durability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley/chat-app/internal/chat"
)

const msgID = "5f1d7c1e-0b7a-4d8e-9a55-6f0f3b1d2c44"

// ---------------------------------------------------------------------------
// Producer
// ---------------------------------------------------------------------------

type fakeAdder struct {
	mu      sync.Mutex
	entries []*redis.XAddArgs
	gate    chan struct{}
	failFor string
}

func (f *fakeAdder) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	if f.gate != nil {
		<-f.gate
	}
	if a.Stream == f.failFor {
		return redis.NewStringResult("", errors.New("READONLY"))
	}
	f.mu.Lock()
	f.entries = append(f.entries, a)
	f.mu.Unlock()
	return redis.NewStringResult("1-0", nil)
}

func (f *fakeAdder) byStream(stream string) []*redis.XAddArgs {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*redis.XAddArgs
	for _, e := range f.entries {
		if e.Stream == stream {
			out = append(out, e)
		}
	}
	return out
}

func TestProducer_AppendsToEachStream(t *testing.T) {
	adder := &fakeAdder{}
	p := NewProducer(adder, ProducerConfig{QueueSize: 100, MaxLen: 1000})

	require.NoError(t, p.Append(chat.ChatEvent{MessageID: msgID, RoomID: "7", UserID: "U1", Message: "hi", Timestamp: 1}))
	require.NoError(t, p.Append(chat.ReactionEvent{MessageID: msgID, RoomID: "7", UserID: "U2", Emoji: "👍", Timestamp: 2}))
	require.NoError(t, p.Append(chat.EditEvent{MessageID: msgID, RoomID: "7", UserID: "U1", NewMessage: "hey", Timestamp: 3}))
	require.NoError(t, p.Append(chat.DeleteEvent{MessageID: msgID, RoomID: "7", UserID: "U1", Timestamp: 4}))
	p.Close()

	for _, stream := range chat.Streams {
		entries := adder.byStream(stream)
		require.Len(t, entries, 1, stream)
		assert.Equal(t, stream, entries[0].Values.(map[string]interface{})[FieldKind])
		assert.EqualValues(t, 1000, entries[0].MaxLen)
		assert.True(t, entries[0].Approx)
	}

	data := adder.byStream(chat.StreamMessages)[0].Values.(map[string]interface{})[FieldData].(string)
	ev, err := Decode(chat.StreamMessages, []byte(data))
	require.NoError(t, err)
	assert.Equal(t, chat.ChatEvent{MessageID: msgID, RoomID: "7", UserID: "U1", Message: "hi", Timestamp: 1}, ev)
}

func TestProducer_PreservesStreamOrder(t *testing.T) {
	adder := &fakeAdder{}
	p := NewProducer(adder, ProducerConfig{QueueSize: 500})

	for i := int64(0); i < 200; i++ {
		require.NoError(t, p.Append(chat.ChatEvent{MessageID: msgID, RoomID: "7", Timestamp: i}))
	}
	p.Close()

	entries := adder.byStream(chat.StreamMessages)
	require.Len(t, entries, 200)
	for i, e := range entries {
		ev, err := Decode(chat.StreamMessages, []byte(e.Values.(map[string]interface{})[FieldData].(string)))
		require.NoError(t, err)
		assert.EqualValues(t, i, ev.(chat.ChatEvent).Timestamp)
	}
}

func TestProducer_FullQueueDropsWithoutBlocking(t *testing.T) {
	adder := &fakeAdder{gate: make(chan struct{})}
	p := NewProducer(adder, ProducerConfig{QueueSize: 1})

	done := make(chan struct{})
	var dropped int
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if err := p.Append(chat.ChatEvent{RoomID: "7"}); errors.Is(err, ErrQueueFull) {
				dropped++
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Append blocked on a full queue")
	}
	assert.GreaterOrEqual(t, dropped, 8)

	close(adder.gate)
	p.Close()
}

func TestProducer_WriteFailureIsDropped(t *testing.T) {
	adder := &fakeAdder{failFor: chat.StreamReactions}
	p := NewProducer(adder, ProducerConfig{QueueSize: 10})

	require.NoError(t, p.Append(chat.ReactionEvent{RoomID: "7"}))
	require.NoError(t, p.Append(chat.ChatEvent{RoomID: "7"}))
	p.Close()

	assert.Empty(t, adder.byStream(chat.StreamReactions))
	assert.Len(t, adder.byStream(chat.StreamMessages), 1)
}

func TestProducer_AppendAfterClose(t *testing.T) {
	p := NewProducer(&fakeAdder{}, DefaultProducerConfig())
	p.Close()
	p.Close()

	assert.ErrorIs(t, p.Append(chat.ChatEvent{RoomID: "7"}), ErrQueueFull)
}

// ---------------------------------------------------------------------------
// Consumer
// ---------------------------------------------------------------------------

type fakeReader struct {
	mu      sync.Mutex
	batches map[string][][]redis.XMessage
	starts  map[string][]string
	acks    map[string][]string
	groups  []string
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		batches: make(map[string][][]redis.XMessage),
		starts:  make(map[string][]string),
		acks:    make(map[string][]string),
	}
}

func (f *fakeReader) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.groups {
		if g == stream+"/"+group {
			return redis.NewStatusResult("", errors.New("BUSYGROUP Consumer Group name already exists"))
		}
	}
	f.groups = append(f.groups, stream+"/"+group)
	return redis.NewStatusResult("OK", nil)
}

// XReadGroup serves the scripted batches of a stream in order and then
// blocks until ctx is cancelled.
func (f *fakeReader) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	stream, start := a.Streams[0], a.Streams[1]

	f.mu.Lock()
	f.starts[stream] = append(f.starts[stream], start)
	var batch []redis.XMessage
	ok := len(f.batches[stream]) > 0
	if ok {
		batch = f.batches[stream][0]
		f.batches[stream] = f.batches[stream][1:]
	}
	f.mu.Unlock()

	if !ok {
		<-ctx.Done()
		return redis.NewXStreamSliceCmdResult(nil, ctx.Err())
	}
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: stream, Messages: batch}}, nil)
}

func (f *fakeReader) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks[stream] = append(f.acks[stream], ids...)
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeReader) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ids := range f.acks {
		n += len(ids)
	}
	return n
}

// memApplier mimics the storage semantics: inserts ignore duplicates and
// deleted ids, updates and deletes of missing rows are skipped.
type memApplier struct {
	mu       sync.Mutex
	messages map[string]string
	edited   map[string]int64
	deleted  map[string]bool
	calls    []string
	failNext bool
}

func newMemApplier() *memApplier {
	return &memApplier{
		messages: make(map[string]string),
		edited:   make(map[string]int64),
		deleted:  make(map[string]bool),
	}
}

func (m *memApplier) record(call string) error {
	m.calls = append(m.calls, call)
	if m.failNext {
		m.failNext = false
		return errors.New("connection reset")
	}
	return nil
}

func (m *memApplier) InsertChat(ctx context.Context, ev chat.ChatEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("insert"); err != nil {
		return err
	}
	if _, ok := m.messages[ev.MessageID]; ok || m.deleted[ev.MessageID] {
		return ErrSkipped
	}
	m.messages[ev.MessageID] = ev.Message
	return nil
}

func (m *memApplier) ApplyReaction(ctx context.Context, ev chat.ReactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record("reaction")
}

func (m *memApplier) UpdateMessage(ctx context.Context, ev chat.EditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("update"); err != nil {
		return err
	}
	if _, ok := m.messages[ev.MessageID]; !ok || m.edited[ev.MessageID] > ev.Timestamp {
		return ErrSkipped
	}
	m.messages[ev.MessageID] = ev.NewMessage
	m.edited[ev.MessageID] = ev.Timestamp
	return nil
}

func (m *memApplier) DeleteMessage(ctx context.Context, ev chat.DeleteEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("delete"); err != nil {
		return err
	}
	m.deleted[ev.MessageID] = true
	if _, ok := m.messages[ev.MessageID]; !ok {
		return ErrSkipped
	}
	delete(m.messages, ev.MessageID)
	return nil
}

func entry(t *testing.T, id string, ev chat.Event) redis.XMessage {
	t.Helper()
	values, err := Encode(ev)
	require.NoError(t, err)
	return redis.XMessage{ID: id, Values: values}
}

func TestConsumer_HandleAcksEveryOutcome(t *testing.T) {
	reader := newFakeReader()
	applier := newMemApplier()
	c := NewConsumer(reader, applier, DefaultConsumerConfig())
	ctx := context.Background()

	cases := []struct {
		name   string
		stream string
		msg    redis.XMessage
		want   string
	}{
		{"insert", chat.StreamMessages, entry(t, "1-0", chat.ChatEvent{MessageID: msgID, Message: "hi"}), "ok"},
		{"duplicate insert", chat.StreamMessages, entry(t, "2-0", chat.ChatEvent{MessageID: msgID, Message: "hi"}), "skipped"},
		{"garbage data", chat.StreamMessages, redis.XMessage{ID: "3-0", Values: map[string]interface{}{FieldKind: chat.StreamMessages, FieldData: "{"}}, "skipped"},
		{"unknown kind", chat.StreamMessages, redis.XMessage{ID: "4-0", Values: map[string]interface{}{FieldKind: "polls", FieldData: "{}"}}, "skipped"},
		{"missing values", chat.StreamDeletes, redis.XMessage{ID: "5-0"}, "skipped"},
		{"delete never inserted", chat.StreamDeletes, entry(t, "6-0", chat.DeleteEvent{MessageID: "other"}), "skipped"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.handle(ctx, tc.stream, tc.msg))
			assert.Contains(t, reader.acks[tc.stream], tc.msg.ID)
		})
	}
}

func TestConsumer_StorageErrorIsSkipped(t *testing.T) {
	reader := newFakeReader()
	applier := newMemApplier()
	applier.failNext = true
	c := NewConsumer(reader, applier, DefaultConsumerConfig())
	ctx := context.Background()

	assert.Equal(t, "error", c.handle(ctx, chat.StreamMessages, entry(t, "1-0", chat.ChatEvent{MessageID: "a"})))
	assert.Equal(t, "ok", c.handle(ctx, chat.StreamMessages, entry(t, "2-0", chat.ChatEvent{MessageID: "b"})))
	assert.Equal(t, []string{"1-0", "2-0"}, reader.acks[chat.StreamMessages])
}

func TestConsumer_DuplicateEditConverges(t *testing.T) {
	reader := newFakeReader()
	applier := newMemApplier()
	c := NewConsumer(reader, applier, DefaultConsumerConfig())
	ctx := context.Background()

	c.handle(ctx, chat.StreamMessages, entry(t, "1-0", chat.ChatEvent{MessageID: msgID, Message: "hi"}))
	edit := chat.EditEvent{MessageID: msgID, NewMessage: "hello", Timestamp: 10}
	c.handle(ctx, chat.StreamEdits, entry(t, "2-0", edit))
	first := applier.messages[msgID]
	c.handle(ctx, chat.StreamEdits, entry(t, "3-0", edit))

	assert.Equal(t, "hello", first)
	assert.Equal(t, first, applier.messages[msgID])

	// An older edit delivered late does not overwrite a newer one.
	c.handle(ctx, chat.StreamEdits, entry(t, "4-0", chat.EditEvent{MessageID: msgID, NewMessage: "stale", Timestamp: 5}))
	assert.Equal(t, "hello", applier.messages[msgID])
}

func TestConsumer_DeleteAheadOfInsertStaysDeleted(t *testing.T) {
	reader := newFakeReader()
	applier := newMemApplier()
	c := NewConsumer(reader, applier, DefaultConsumerConfig())
	ctx := context.Background()

	// The deletes stream is drained before a backlog on the messages stream.
	assert.Equal(t, "skipped", c.handle(ctx, chat.StreamDeletes, entry(t, "1-0", chat.DeleteEvent{MessageID: msgID})))
	assert.Equal(t, "skipped", c.handle(ctx, chat.StreamMessages, entry(t, "1-0", chat.ChatEvent{MessageID: msgID, Message: "oops"})))
	assert.Equal(t, "skipped", c.handle(ctx, chat.StreamMessages, entry(t, "2-0", chat.ChatEvent{MessageID: msgID, Message: "oops"})))

	_, stored := applier.messages[msgID]
	assert.False(t, stored, "a deleted message must not be stored by a late insert")
	assert.Equal(t, []string{"delete", "insert", "insert"}, applier.calls)
}

func TestConsumer_RunDrainsPendingThenNew(t *testing.T) {
	reader := newFakeReader()
	applier := newMemApplier()

	reader.batches[chat.StreamMessages] = [][]redis.XMessage{
		{entry(t, "1-0", chat.ChatEvent{MessageID: "m1", Message: "pending"})},
		{},
		{entry(t, "2-0", chat.ChatEvent{MessageID: "m2", Message: "new"})},
	}
	reader.batches[chat.StreamDeletes] = [][]redis.XMessage{
		{},
		{entry(t, "3-0", chat.DeleteEvent{MessageID: "m1"})},
	}

	cfg := DefaultConsumerConfig()
	cfg.Streams = []string{chat.StreamMessages, chat.StreamDeletes}
	c := NewConsumer(reader, applier, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return reader.ackCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.Equal(t, []string{"0", "0", ">"}, reader.starts[chat.StreamMessages][:3])
	assert.Equal(t, []string{"0", ">"}, reader.starts[chat.StreamDeletes][:2])
	assert.Len(t, reader.groups, 2)
}

func TestConsumer_ExistingGroupIsReused(t *testing.T) {
	reader := newFakeReader()
	c := NewConsumer(reader, newMemApplier(), DefaultConsumerConfig())

	require.NoError(t, c.ensureGroup(context.Background(), chat.StreamMessages))
	require.NoError(t, c.ensureGroup(context.Background(), chat.StreamMessages))
}
