// ABOUTME: Tests for the ingestion poller and cursor
// ABOUTME: Covers ordering, cursor advancement, fetch failures, poison events, and clean stop

package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource returns scripted batches and records the cursor of each fetch.
type fakeSource struct {
	mu      sync.Mutex
	batches []func(ctx context.Context) ([]Event, error)
	afters  []int64
}

func (f *fakeSource) GetEvents(ctx context.Context, after int64, _ time.Duration, _ int) ([]Event, error) {
	f.mu.Lock()
	f.afters = append(f.afters, after)
	if len(f.batches) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	f.mu.Unlock()
	return next(ctx)
}

func (f *fakeSource) Afters() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.afters...)
}

func batch(events ...Event) func(context.Context) ([]Event, error) {
	return func(context.Context) ([]Event, error) { return events, nil }
}

func failing(err error) func(context.Context) ([]Event, error) {
	return func(context.Context) ([]Event, error) { return nil, err }
}

func msgEvent(id int64, body string) Event {
	return Event{ID: id, Message: &Message{ExternalID: "alice[1]", Body: body}}
}

// recorder is a Handler that records handled event ids.
type recorder struct {
	mu   sync.Mutex
	ids  []int64
	fail func(ev Event) error
}

func (r *recorder) HandleEvent(_ context.Context, ev Event) error {
	if r.fail != nil {
		if err := r.fail(ev); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, ev.ID)
	return nil
}

func (r *recorder) IDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...)
}

type memCursorStore struct {
	mu      sync.Mutex
	values  map[string]int64
	saveErr error
}

func (m *memCursorStore) GetCursor(_ context.Context, source string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[source], nil
}

func (m *memCursorStore) SaveCursor(_ context.Context, source string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.values[source] = value
	return nil
}

func testPollerConfig() PollerConfig {
	return PollerConfig{ErrorBackoff: 5 * time.Millisecond, MaxEventAttempts: 3, EventTimeout: time.Second}
}

func TestPoll_ProcessesInOrderAndAdvances(t *testing.T) {
	source := &fakeSource{batches: []func(context.Context) ([]Event, error){
		batch(msgEvent(11, "a"), msgEvent(12, "b"), Event{ID: 13}),
		batch(msgEvent(14, "c")),
	}}
	handler := &recorder{}
	cursor := NewCursor(10)
	p := NewPoller(source, handler, cursor, testPollerConfig(), nil)

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, int64(13), cursor.Value())

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, int64(14), cursor.Value())

	assert.Equal(t, []int64{11, 12, 13, 14}, handler.IDs())
	assert.Equal(t, []int64{10, 13}, source.Afters())
}

func TestPoll_FetchFailureLeavesCursor(t *testing.T) {
	source := &fakeSource{batches: []func(context.Context) ([]Event, error){
		failing(errors.New("502 bad gateway")),
	}}
	cursor := NewCursor(5)
	p := NewPoller(source, &recorder{}, cursor, testPollerConfig(), nil)

	err := p.Poll(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int64(5), cursor.Value())
}

func TestPoll_SkipsAlreadyProcessedIDs(t *testing.T) {
	source := &fakeSource{batches: []func(context.Context) ([]Event, error){
		batch(msgEvent(3, "old"), msgEvent(6, "new")),
	}}
	handler := &recorder{}
	p := NewPoller(source, handler, NewCursor(5), testPollerConfig(), nil)

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, []int64{6}, handler.IDs())
}

func TestPoll_HandlerFailureStopsBatchThenSkipsPoisonEvent(t *testing.T) {
	events := batch(msgEvent(1, "ok"), msgEvent(2, "poison"), msgEvent(3, "after"))
	source := &fakeSource{batches: []func(context.Context) ([]Event, error){events, events, events}}
	handler := &recorder{fail: func(ev Event) error {
		if ev.ID == 2 {
			return errors.New("database is locked")
		}
		return nil
	}}
	cursor := NewCursor(0)
	p := NewPoller(source, handler, cursor, testPollerConfig(), nil)

	assert.Error(t, p.Poll(context.Background()))
	assert.Equal(t, int64(1), cursor.Value())

	assert.Error(t, p.Poll(context.Background()))
	assert.Equal(t, int64(1), cursor.Value())

	// Third failure reaches MaxEventAttempts: the event is skipped.
	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, int64(3), cursor.Value())
	assert.Equal(t, []int64{1, 3}, handler.IDs())
}

func TestRun_BacksOffAndRecovers(t *testing.T) {
	source := &fakeSource{batches: []func(context.Context) ([]Event, error){
		failing(errors.New("connection reset")),
		batch(msgEvent(1, "hello")),
	}}
	handler := &recorder{}
	cursor := NewCursor(0)
	p := NewPoller(source, handler, cursor, testPollerConfig(), nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return cursor.Value() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Equal(t, []int64{1}, handler.IDs())
}

func TestRun_FinishesInFlightBatchOnStop(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	source := &fakeSource{batches: []func(context.Context) ([]Event, error){
		func(context.Context) ([]Event, error) {
			// Stop is signalled while the fetched batch is still unprocessed.
			cancel()
			return []Event{msgEvent(1, "a"), msgEvent(2, "b")}, nil
		},
	}}
	handler := &recorder{}
	cursor := NewCursor(0)
	p := NewPoller(source, handler, cursor, testPollerConfig(), nil)

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, []int64{1, 2}, handler.IDs())
	assert.Equal(t, int64(2), cursor.Value())
}

func TestCursor_Monotonic(t *testing.T) {
	c := NewCursor(10)
	ctx := context.Background()

	moved, err := c.Advance(ctx, 9)
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = c.Advance(ctx, 10)
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = c.Advance(ctx, 11)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, int64(11), c.Value())
}

func TestLoadCursor_PersistsAdvances(t *testing.T) {
	cs := &memCursorStore{values: map[string]int64{"telegram": 42}}
	ctx := context.Background()

	c, err := LoadCursor(ctx, "telegram", cs)
	require.NoError(t, err)
	assert.Equal(t, int64(42), c.Value())

	_, err = c.Advance(ctx, 50)
	require.NoError(t, err)

	restored, err := LoadCursor(ctx, "telegram", cs)
	require.NoError(t, err)
	assert.Equal(t, int64(50), restored.Value())
}

func TestCursor_SaveFailureStillAdvances(t *testing.T) {
	cs := &memCursorStore{values: map[string]int64{}, saveErr: errors.New("disk full")}
	c, err := LoadCursor(context.Background(), "telegram", cs)
	require.NoError(t, err)

	moved, err := c.Advance(context.Background(), 3)
	assert.True(t, moved)
	assert.Error(t, err)
	assert.Equal(t, int64(3), c.Value())
}
