package gateway

import (
	"fmt"
	"sync"
	"testing"

	"github.com/harun/runcore/pkg/runevents"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_EnqueueAfterRemove(t *testing.T) {
	registry := NewClientRegistry()
	client := &Client{ID: "c1", send: make(chan []byte, 4)}
	registry.Add(client)

	snapshot := registry.Subscribers("r1", "s1")
	require.Len(t, snapshot, 1)
	registry.Remove("c1")

	assert.NotPanics(t, func() {
		assert.Equal(t, clientClosed, snapshot[0].enqueue([]byte(`{}`)))
	})
	assert.Equal(t, uint64(0), client.dropped.Load())
}

func TestBroadcaster_ConcurrentPublishAndRemove(t *testing.T) {
	registry := NewClientRegistry()
	b := NewEventBroadcaster(registry, zerolog.Nop())

	const clients = 50
	for i := 0; i < clients; i++ {
		registry.Add(&Client{ID: fmt.Sprintf("c%d", i), send: make(chan []byte, 8)})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			b.Publish(runevents.New("r1", runevents.LockReleased{LockID: "l", Path: "/a.go"}))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < clients; i++ {
			registry.Remove(fmt.Sprintf("c%d", i))
		}
	}()

	assert.NotPanics(t, wg.Wait)
	assert.Equal(t, 0, registry.Count())
}
