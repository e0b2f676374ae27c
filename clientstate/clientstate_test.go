package clientstate_test

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/badu/keymapper/clientstate"
	"github.com/badu/keymapper/stage"
)

func classFilter(pattern string) clientstate.WindowFilter {
	return clientstate.WindowFilter{Class: stage.DeviceFilter{Kind: stage.DeviceFilterSubstring, Pattern: pattern}}
}

func TestRecomputeSendsOnChange(t *testing.T) {
	var sent [][]int
	cs := clientstate.New(clientstate.WithSender(func(indices []int) error {
		sent = append(sent, indices)
		return nil
	}))

	err := cs.SetConfig(clientstate.Config{
		Contexts:      []stage.Context{{}, {}},
		WindowFilters: []clientstate.WindowFilter{classFilter("firefox"), classFilter("term")},
	})
	assert.NilError(t, err)

	err = cs.OnFocusedWindowChanged(clientstate.WindowInfo{Class: "xterm"})
	assert.NilError(t, err)
	assert.DeepEqual(t, cs.ActiveContexts(), []int{1})
	assert.Equal(t, len(sent), 1)

	// Same window again: no new send.
	err = cs.OnFocusedWindowChanged(clientstate.WindowInfo{Class: "xterm-again-but-same-match"})
	assert.NilError(t, err)
	assert.Equal(t, len(sent), 1, "active set unchanged should not resend")

	err = cs.OnFocusedWindowChanged(clientstate.WindowInfo{Class: "firefox-window"})
	assert.NilError(t, err)
	assert.DeepEqual(t, cs.ActiveContexts(), []int{0})
	assert.Equal(t, len(sent), 2)
}

func TestSystemFilterCaseInsensitive(t *testing.T) {
	cs := clientstate.New()
	err := cs.SetConfig(clientstate.Config{
		Contexts: []stage.Context{{}},
		WindowFilters: []clientstate.WindowFilter{{
			System: stage.DeviceFilter{Kind: stage.DeviceFilterExact, Pattern: "Linux"},
		}},
	})
	assert.NilError(t, err)

	err = cs.OnFocusedWindowChanged(clientstate.WindowInfo{System: "linux"})
	assert.NilError(t, err)
	assert.DeepEqual(t, cs.ActiveContexts(), []int{0})
}

func TestShouldReloadDebounces(t *testing.T) {
	cs := clientstate.New()
	base := time.Now()

	// First sighting of this mtime: never reload on the notification that
	// starts the window, even though nothing was loaded before it.
	assert.Assert(t, !cs.ShouldReload(base, base), "must not reload on the notification that starts the window")

	// Same mtime, still inside the debounce window: no reload yet.
	assert.Assert(t, !cs.ShouldReload(base.Add(100*time.Millisecond), base), "within debounce window")

	// Same mtime, quiet gap elapsed: reload now.
	assert.Assert(t, cs.ShouldReload(base.Add(260*time.Millisecond), base), "past debounce window")

	// Polled again with the same mtime after reloading: no duplicate reload.
	assert.Assert(t, !cs.ShouldReload(base.Add(500*time.Millisecond), base), "already reloaded this mtime")

	// A truncate-then-rewrite: mtime changes again, restarting the window,
	// and the notification that starts it must not itself report true.
	rewritten := base.Add(600 * time.Millisecond)
	assert.Assert(t, !cs.ShouldReload(rewritten, rewritten), "must not reload on the rewrite's own notification")
	assert.Assert(t, cs.ShouldReload(rewritten.Add(260*time.Millisecond), rewritten), "reloads once the rewrite settles")
}
