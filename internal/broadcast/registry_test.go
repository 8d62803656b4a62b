package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge3d/internal/domain"
)

type recordingConn struct {
	mu   sync.Mutex
	msgs [][]byte
	err  error
}

func (c *recordingConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, payload)
	return nil
}

func (c *recordingConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.msgs...)
}

func readyUpdate() MessageUpdate {
	url := "https://cdn.example.com/T1.glb"
	return MessageUpdate{ID: "m1", Status: domain.JobStatusReady, ModelURL: &url}
}

func TestBroadcastFanOut(t *testing.T) {
	r := NewRegistry(nil)
	a, b, other := &recordingConn{}, &recordingConn{}, &recordingConn{}
	r.Subscribe("c1", a)
	r.Subscribe("c1", b)
	r.Subscribe("c2", other)

	n := r.Broadcast("c1", NewMessageUpdate(readyUpdate()))
	assert.Equal(t, 2, n)
	require.Len(t, a.messages(), 1)
	require.Len(t, b.messages(), 1)
	assert.Empty(t, other.messages())
	assert.Equal(t, a.messages()[0], b.messages()[0])

	var got Event
	require.NoError(t, json.Unmarshal(a.messages()[0], &got))
	assert.Equal(t, EventMessageUpdate, got.Type)
	assert.Equal(t, "m1", got.Data.ID)
	assert.Equal(t, domain.JobStatusReady, got.Data.Status)
	require.NotNil(t, got.Data.ModelURL)
	assert.Equal(t, "https://cdn.example.com/T1.glb", *got.Data.ModelURL)
}

func TestBroadcastWireShape(t *testing.T) {
	raw, err := json.Marshal(NewMessageUpdate(MessageUpdate{ID: "m1", Status: domain.JobStatusGenerating}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message_update","data":{"id":"m1","status":"generating","modelUrl":null}}`, string(raw))
}

func TestBroadcastSkipsFailingSocket(t *testing.T) {
	r := NewRegistry(nil)
	good, bad := &recordingConn{}, &recordingConn{err: errors.New("closed")}
	r.Subscribe("c1", good)
	r.Subscribe("c1", bad)

	assert.Equal(t, 1, r.Broadcast("c1", NewMessageUpdate(readyUpdate())))
	assert.Len(t, good.messages(), 1)
}

func TestUnsubscribeDropsEmptyChannel(t *testing.T) {
	r := NewRegistry(nil)
	a, b := &recordingConn{}, &recordingConn{}
	r.Subscribe("c1", a)
	r.Subscribe("c1", a)
	r.Subscribe("c1", b)
	assert.Equal(t, 2, r.Subscribers("c1"))

	r.Unsubscribe("c1", a)
	assert.Equal(t, 1, r.Subscribers("c1"))
	assert.Equal(t, 1, r.Channels())

	r.Unsubscribe("c1", b)
	assert.Equal(t, 0, r.Subscribers("c1"))
	assert.Equal(t, 0, r.Channels())

	r.Unsubscribe("missing", a)
	assert.Equal(t, 0, r.Broadcast("c1", NewMessageUpdate(readyUpdate())))
}

func TestRegistryConcurrentUse(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := &recordingConn{}
			for j := 0; j < 50; j++ {
				r.Subscribe("c1", conn)
				r.Broadcast("c1", NewMessageUpdate(readyUpdate()))
				r.Unsubscribe("c1", conn)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Channels())
}

func TestUpdateFromJob(t *testing.T) {
	u := UpdateFromJob(&domain.Job{MessageID: "m1", Status: domain.JobStatusGenerating})
	assert.Nil(t, u.ModelURL)

	u = UpdateFromJob(&domain.Job{MessageID: "m1", Status: domain.JobStatusReady, ModelURL: "https://x/y.glb"})
	require.NotNil(t, u.ModelURL)
	assert.Equal(t, "https://x/y.glb", *u.ModelURL)
}

func TestRelayDeliversAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	regA, regB := NewRegistry(nil), NewRegistry(nil)
	relayA := NewRelay(newClient(), regA, nil)
	relayB := NewRelay(newClient(), regB, nil)
	require.NoError(t, relayA.Start(ctx))
	require.NoError(t, relayB.Start(ctx))

	connA, connB := &recordingConn{}, &recordingConn{}
	regA.Subscribe("c1", connA)
	regB.Subscribe("c1", connB)

	relayA.Notify(ctx, "c1", readyUpdate())

	require.Eventually(t, func() bool {
		return len(connA.messages()) == 1 && len(connB.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var got Event
	require.NoError(t, json.Unmarshal(connB.messages()[0], &got))
	assert.Equal(t, "m1", got.Data.ID)

	cancel()
	relayA.Wait()
	relayB.Wait()
}

func TestRelayWithoutRedisDeliversLocally(t *testing.T) {
	reg := NewRegistry(nil)
	conn := &recordingConn{}
	reg.Subscribe("c1", conn)

	relay := NewRelay(nil, reg, nil)
	require.NoError(t, relay.Start(context.Background()))
	relay.Notify(context.Background(), "c1", readyUpdate())
	assert.Len(t, conn.messages(), 1)
}

func TestRelayFallsBackWhenPublishFails(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := NewRegistry(nil)
	conn := &recordingConn{}
	reg.Subscribe("c1", conn)

	relay := NewRelay(rdb, reg, nil)
	mr.Close()
	relay.Notify(context.Background(), "c1", readyUpdate())
	assert.Len(t, conn.messages(), 1)
}
