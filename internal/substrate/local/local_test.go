package local

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/keymesh/internal/keyexpr"
	"github.com/dshills/keymesh/internal/message"
	"github.com/dshills/keymesh/internal/substrate"
)

func openPair(t *testing.T) (*Router, *Session, *Session) {
	t.Helper()
	r := NewRouter()
	a, err := r.Open("a")
	require.NoError(t, err)
	b, err := r.Open("b")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r, a, b
}

func sample(key string, seq uint64) message.Sample {
	return message.Sample{Key: keyexpr.MustTopic(key), Sequence: seq, Timestamp: time.Now()}
}

func TestPublishAcrossSessions(t *testing.T) {
	_, a, b := openPair(t)
	ctx := context.Background()

	sub, err := b.DeclareSubscriber(ctx, keyexpr.MustPattern("sensor/*"), substrate.SubscriberOptions{Capacity: 4})
	require.NoError(t, err)
	pub, err := a.DeclarePublisher(ctx, keyexpr.MustTopic("sensor/temp"))
	require.NoError(t, err)

	require.NoError(t, pub.Put(ctx, sample("sensor/temp", 1)))
	require.NoError(t, pub.Put(ctx, sample("sensor/temp/deep", 2)))

	got := <-sub.Samples()
	assert.Equal(t, uint64(1), got.Sequence)
	select {
	case extra := <-sub.Samples():
		t.Fatalf("unexpected sample %v", extra.Key)
	default:
	}
}

func TestFIFOPerPublisher(t *testing.T) {
	_, a, b := openPair(t)
	ctx := context.Background()

	sub, err := b.DeclareSubscriber(ctx, keyexpr.MustPattern("**"), substrate.SubscriberOptions{Capacity: 1})
	require.NoError(t, err)
	pub, err := a.DeclarePublisher(ctx, keyexpr.MustTopic("seq"))
	require.NoError(t, err)

	const n = 100
	go func() {
		for i := uint64(1); i <= n; i++ {
			_ = pub.Put(ctx, sample("seq", i))
		}
	}()
	for i := uint64(1); i <= n; i++ {
		got := <-sub.Samples()
		require.Equal(t, i, got.Sequence)
	}
}

func TestDropNewestOverflow(t *testing.T) {
	_, a, b := openPair(t)
	ctx := context.Background()

	var mu sync.Mutex
	var dropped []uint64
	sub, err := b.DeclareSubscriber(ctx, keyexpr.MustPattern("x"), substrate.SubscriberOptions{
		Capacity: 2,
		Overflow: substrate.OverflowDropNewest,
		OnDrop: func(s message.Sample) {
			mu.Lock()
			dropped = append(dropped, s.Sequence)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	pub, err := a.DeclarePublisher(ctx, keyexpr.MustTopic("x"))
	require.NoError(t, err)

	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, pub.Put(ctx, sample("x", i)))
	}
	assert.Equal(t, uint64(1), (<-sub.Samples()).Sequence)
	assert.Equal(t, uint64(2), (<-sub.Samples()).Sequence)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{3, 4}, dropped)
}

func TestUndeclareSubscriber(t *testing.T) {
	r, a, b := openPair(t)
	ctx := context.Background()

	sub, err := b.DeclareSubscriber(ctx, keyexpr.MustPattern("x"), substrate.SubscriberOptions{Capacity: 1})
	require.NoError(t, err)
	pub, err := a.DeclarePublisher(ctx, keyexpr.MustTopic("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, r.SubscriberCount())

	require.NoError(t, sub.Undeclare())
	require.NoError(t, sub.Undeclare())
	assert.Equal(t, 0, r.SubscriberCount())

	require.NoError(t, pub.Put(ctx, sample("x", 1)))
	_, ok := <-sub.Samples()
	assert.False(t, ok)
}

func TestUndeclareReleasesBlockedPublisher(t *testing.T) {
	_, a, b := openPair(t)
	ctx := context.Background()

	sub, err := b.DeclareSubscriber(ctx, keyexpr.MustPattern("x"), substrate.SubscriberOptions{Capacity: 1})
	require.NoError(t, err)
	pub, err := a.DeclarePublisher(ctx, keyexpr.MustTopic("x"))
	require.NoError(t, err)
	require.NoError(t, pub.Put(ctx, sample("x", 1)))

	done := make(chan error, 1)
	go func() { done <- pub.Put(ctx, sample("x", 2)) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sub.Undeclare())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after undeclare")
	}
}

func TestQueryFanOut(t *testing.T) {
	_, a, b := openPair(t)
	ctx := context.Background()

	serve := func(s *Session, pattern, answer string) {
		qs, err := s.DeclareQueryable(ctx, keyexpr.MustPattern(pattern), 4)
		require.NoError(t, err)
		go func() {
			for q := range qs.Queries() {
				_ = q.Reply(ctx, []byte(answer))
				q.Finish()
			}
		}()
	}
	serve(a, "demo/*", "one")
	serve(b, "demo/**", "two")
	serve(b, "other", "three")

	rs, err := a.Query(ctx, keyexpr.MustTopic("demo/x"), nil, false)
	require.NoError(t, err)

	var got []string
	var ids []string
	for r := range rs.Replies() {
		got = append(got, r.PayloadString())
		ids = append(ids, r.QueryID)
	}
	assert.ElementsMatch(t, []string{"one", "two"}, got)
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1])
}

func TestQueryWithoutQueryables(t *testing.T) {
	_, a, _ := openPair(t)

	rs, err := a.Query(context.Background(), keyexpr.MustTopic("nobody/home"), nil, false)
	require.NoError(t, err)
	_, ok := <-rs.Replies()
	assert.False(t, ok)
}

func TestUndeclareQueryableFinishesPending(t *testing.T) {
	_, a, b := openPair(t)
	ctx := context.Background()

	qs, err := b.DeclareQueryable(ctx, keyexpr.MustPattern("slow"), 4)
	require.NoError(t, err)

	rs, err := a.Query(ctx, keyexpr.MustTopic("slow"), nil, false)
	require.NoError(t, err)

	require.NoError(t, qs.Undeclare())

	select {
	case _, ok := <-rs.Replies():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("reply stream not closed")
	}
}

func TestReplyAfterStreamClosed(t *testing.T) {
	_, a, b := openPair(t)
	ctx := context.Background()

	qs, err := b.DeclareQueryable(ctx, keyexpr.MustPattern("q"), 1)
	require.NoError(t, err)

	rs, err := a.Query(ctx, keyexpr.MustTopic("q"), []byte("p"), true)
	require.NoError(t, err)
	require.NoError(t, rs.Close())

	q := <-qs.Queries()
	payload, ok := q.Payload()
	assert.True(t, ok)
	assert.Equal(t, []byte("p"), payload)
	assert.ErrorIs(t, q.Reply(ctx, []byte("late")), substrate.ErrClosed)
	q.Finish()
}

func TestClosedSessionRejects(t *testing.T) {
	r, a, _ := openPair(t)
	ctx := context.Background()

	sub, err := a.DeclareSubscriber(ctx, keyexpr.MustPattern("x"), substrate.SubscriberOptions{})
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx))

	_, ok := <-sub.Samples()
	assert.False(t, ok)
	assert.Equal(t, 1, r.SessionCount())

	_, err = a.DeclarePublisher(ctx, keyexpr.MustTopic("x"))
	assert.ErrorIs(t, err, substrate.ErrClosed)
	_, err = a.Query(ctx, keyexpr.MustTopic("x"), nil, false)
	assert.ErrorIs(t, err, substrate.ErrClosed)
}

func TestClosedRouterRefusesSessions(t *testing.T) {
	r := NewRouter()
	require.NoError(t, r.Close(context.Background()))

	_, err := r.Open("late")
	assert.ErrorIs(t, err, substrate.ErrConnection)
}

func TestIsolatedRouters(t *testing.T) {
	ctx := context.Background()
	r1, r2 := NewRouter(), NewRouter()
	a, err := r1.Open("a")
	require.NoError(t, err)
	b, err := r2.Open("b")
	require.NoError(t, err)

	sub, err := b.DeclareSubscriber(ctx, keyexpr.MustPattern("**"), substrate.SubscriberOptions{Capacity: 1})
	require.NoError(t, err)
	pub, err := a.DeclarePublisher(ctx, keyexpr.MustTopic("x"))
	require.NoError(t, err)
	require.NoError(t, pub.Put(ctx, sample("x", 1)))

	select {
	case <-sub.Samples():
		t.Fatal("sample crossed routers")
	default:
	}
}
