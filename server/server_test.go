package server_test

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/badu/keymapper/key"
	"github.com/badu/keymapper/multistage"
	"github.com/badu/keymapper/server"
	"github.com/badu/keymapper/stage"
)

type fakeBackend struct {
	events    chan server.DeviceEvent
	sent      []key.KeyEvent
	flushes   int
	shutdowns int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan server.DeviceEvent, 16)}
}

func (b *fakeBackend) Events() <-chan server.DeviceEvent { return b.events }
func (b *fakeBackend) DeviceNames() []string             { return nil }
func (b *fakeBackend) SendKeyEvent(ev key.KeyEvent) error {
	b.sent = append(b.sent, ev)
	return nil
}
func (b *fakeBackend) Flush() error    { b.flushes++; return nil }
func (b *fakeBackend) Shutdown() error { b.shutdowns++; return nil }

func down(k key.Key) key.KeyEvent { return key.NewKeyEvent(k, key.Down) }
func up(k key.Key) key.KeyEvent   { return key.NewKeyEvent(k, key.Up) }

func TestSimpleRemapThroughServer(t *testing.T) {
	backend := newFakeBackend()
	ms := multistage.New([]*stage.Stage{
		stage.New([]stage.Context{
			{
				Inputs:  []stage.Input{{Expression: key.KeySequence{down(key.A)}, OutputIndex: 0}},
				Outputs: []key.KeySequence{{down(key.B)}},
			},
		}),
	})
	srv := server.New(backend, ms)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	srv.SetActiveClientContexts([]int{0})

	backend.events <- server.DeviceEvent{DeviceIndex: 0, Event: down(key.A)}
	backend.events <- server.DeviceEvent{DeviceIndex: 0, Event: up(key.A)}

	waitForSent(t, backend, 2)
	assert.DeepEqual(t, backend.sent, []key.KeyEvent{down(key.B), up(key.B)})
}

func TestValidateStateReleasesStuckKey(t *testing.T) {
	backend := newFakeBackend()
	ms := multistage.New([]*stage.Stage{
		stage.New([]stage.Context{
			{
				Inputs:  []stage.Input{{Expression: key.KeySequence{down(key.A)}, OutputIndex: 0}},
				Outputs: []key.KeySequence{{down(key.B)}},
			},
		}),
	})
	srv := server.New(backend, ms)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	srv.SetActiveClientContexts([]int{0})

	backend.events <- server.DeviceEvent{DeviceIndex: 0, Event: down(key.A)}
	waitForSent(t, backend, 1)

	srv.ValidateState(func(k key.Key) bool { return false })
	waitForSent(t, backend, 2)
	assert.Equal(t, backend.sent[len(backend.sent)-1], up(key.B))
}

func waitForSent(t *testing.T, backend *fakeBackend, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(backend.sent) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent events, got %d", n, len(backend.sent))
}
