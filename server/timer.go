package server

import (
	"sort"
	"time"

	"github.com/badu/keymapper/key"
)

// firedTimer describes a pending timeout that has resolved, one way or
// another: either it genuinely elapsed, or an event cancelled it early
// (spec §4.6 step 2's cancel-and-inject protocol). Either way the owning
// stage gets a key.Timeout reply carrying however much time actually
// passed.
type firedTimer struct {
	stageIndex    int
	elapsedMillis uint16
}

type pendingTimeout struct {
	trigger    key.Key
	cancelOnUp bool
	armedAt    time.Time
	deadline   time.Time
}

// timerSet tracks at most one armed timeout per stage (spec invariant 3)
// behind a single re-armed time.Timer pointed at whichever pending entry's
// deadline is soonest - the teacher's Stop/drain/Reset idiom
// (badu-term/key/dispatcher.go's keyTimer), read only from Server.Run's own
// goroutine via Next/Fire so no timer callback ever touches this state
// concurrently (spec §5's single-owner guarantee).
type timerSet struct {
	pending map[int]*pendingTimeout
	timer   *time.Timer
	armed   int // stage index timer.C currently tracks; -1 if none
}

func (t *timerSet) anyArmed() bool { return len(t.pending) > 0 }

// Next returns the channel Server.Run should select on for the currently
// armed timer, or nil (which blocks forever in a select) if none is armed.
func (t *timerSet) Next() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.C
}

// arm schedules (or replaces - invariant 3) the timeout for stageIndex.
func (t *timerSet) arm(stageIndex int, trigger key.Key, millis uint16, cancelOnUp bool) {
	if t.pending == nil {
		t.pending = make(map[int]*pendingTimeout)
	}
	now := time.Now()
	t.pending[stageIndex] = &pendingTimeout{
		trigger:    trigger,
		cancelOnUp: cancelOnUp,
		armedAt:    now,
		deadline:   now.Add(time.Duration(millis) * time.Millisecond),
	}
	t.reschedule()
}

// cancelledBy implements spec §4.6 step 2: any Down event cancels every
// pending timer (a new decision point has arrived); an Up event cancels
// only the timer armed by that same key, and only if it was armed
// cancel-on-up. Returns every timer it cancelled, most-recently-armed last
// (ties broken by stage index) - callers deliver each via deliverTimeout
// before continuing to process the event that cancelled them.
func (t *timerSet) cancelledBy(ev key.KeyEvent) []firedTimer {
	if len(t.pending) == 0 {
		return nil
	}
	now := time.Now()
	var idxs []int
	for idx, p := range t.pending {
		cancels := ev.State == key.Down || (ev.State == key.Up && p.cancelOnUp && ev.Key == p.trigger)
		if cancels {
			idxs = append(idxs, idx)
		}
	}
	sort.Slice(idxs, func(a, b int) bool {
		pa, pb := t.pending[idxs[a]], t.pending[idxs[b]]
		if !pa.armedAt.Equal(pb.armedAt) {
			return pa.armedAt.Before(pb.armedAt)
		}
		return idxs[a] < idxs[b]
	})
	var out []firedTimer
	for _, idx := range idxs {
		out = append(out, firedTimer{stageIndex: idx, elapsedMillis: clampMillis(now.Sub(t.pending[idx].armedAt))})
		delete(t.pending, idx)
	}
	t.reschedule()
	return out
}

// Fire resolves whichever stage's deadline the just-fired timer.C
// represented, removing it from the pending set and rescheduling the next
// soonest - called by Server.Run immediately after a receive on Next().
func (t *timerSet) Fire() (firedTimer, bool) {
	idx := t.armed
	p, ok := t.pending[idx]
	if !ok {
		return firedTimer{}, false
	}
	elapsed := clampMillis(p.deadline.Sub(p.armedAt))
	delete(t.pending, idx)
	t.reschedule()
	return firedTimer{stageIndex: idx, elapsedMillis: elapsed}, true
}

func (t *timerSet) cancelAll() {
	t.pending = nil
	t.stop()
	t.armed = -1
}

func (t *timerSet) stop() {
	if t.timer == nil {
		return
	}
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}

// reschedule points the single underlying time.Timer at whichever pending
// entry's deadline is soonest.
func (t *timerSet) reschedule() {
	t.stop()
	if len(t.pending) == 0 {
		t.armed = -1
		return
	}
	soonestIdx, soonest := -1, time.Time{}
	for idx, p := range t.pending {
		if soonestIdx == -1 || p.deadline.Before(soonest) {
			soonestIdx, soonest = idx, p.deadline
		}
	}
	t.armed = soonestIdx
	d := time.Until(soonest)
	if d < 0 {
		d = 0
	}
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func clampMillis(d time.Duration) uint16 {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if ms > key.MaxTimeoutMillis {
		return key.MaxTimeoutMillis
	}
	return uint16(ms)
}
