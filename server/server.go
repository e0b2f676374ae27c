package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/badu/keymapper/key"
	"github.com/badu/keymapper/multistage"
)

// Option configures a Server at construction, matching the teacher's
// functional-option convention (core.Option, key.Option).
type Option func(*Server)

// Finalizer mirrors the teacher's shutdown-callback hook
// (core.Finalizer / key.Finalizer).
type Finalizer func()

func WithFinalizer(f Finalizer) Option {
	return func(s *Server) { s.finalizer = f }
}

// ActionSink is called when the engine emits an action key, so the daemon
// can post the action's index (and optional value) to the client over the
// control socket (spec §4.5, §6 "triggered_action").
type ActionSink func(index int, value uint16)

func WithActionSink(f ActionSink) Option {
	return func(s *Server) { s.onAction = f }
}

// VirtualKeyNotifier is called on every virtual-key state transition, so
// the daemon can forward it to a control client that registered interest
// (spec §6 "virtual_key_state").
type VirtualKeyNotifier func(k key.Key, down bool)

func WithVirtualKeyNotifier(f VirtualKeyNotifier) Option {
	return func(s *Server) { s.onVirtualKey = f }
}

// WithMinModifierButtonDelay sets the minimum spacing the send-buffer
// debouncer enforces between a modifier key's send and an immediately
// following mouse-button send (spec §5 "Debouncers maintain per-button
// last-event timestamps..."). Zero disables the delay.
func WithMinModifierButtonDelay(d time.Duration) Option {
	return func(s *Server) { s.debounce.minModifierButtonDelay = d }
}

// Server drives one MultiStage from a Backend's device events: the single
// cooperative owner described in spec §5. All mutating methods - including
// those called from other goroutines, like ValidateState or
// SetActiveClientContexts invoked from the control-socket handler - are
// funneled through the same goroutine Run executes on, via the internal
// command queue, so MultiStage and every Stage are only ever touched by
// one thread for their entire lifetime.
type Server struct {
	backend Backend
	ms      *multistage.MultiStage

	onAction     ActionSink
	onVirtualKey VirtualKeyNotifier
	finalizer    Finalizer

	debounce debouncer

	timers timerSet

	lastEvent     key.KeyEvent
	lastEventSeen bool

	cmds   chan command
	doneCh chan struct{}
}

type command struct {
	fn   func()
	done chan struct{}
}

// New builds a Server over an already-constructed MultiStage (spec §3
// "Lifecycle": stages are built once per rule reload by the caller, e.g.
// cmd/keymapperd's config loader, and handed to Server/ReplaceStages).
func New(backend Backend, ms *multistage.MultiStage, opts ...Option) *Server {
	s := &Server{
		backend: backend,
		ms:      ms,
		cmds:    make(chan command, 16),
		doneCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ArmTimeoutForStage is handed to each Stage as its TimeoutRequester when
// the caller constructs stages:
//
//	st := stage.New(contexts, stage.WithTimeoutRequester(
//	    func(trigger key.Key, millis uint16, cancelOnUp bool) {
//	        srv.ArmTimeoutForStage(stageIndex, trigger, millis, cancelOnUp)
//	    }))
//
// (see cmd/keymapperd's config loader). Stage index binding happens at that
// call site because Stage itself doesn't know its position in the chain
// (spec §4.4); Server only needs to track timers per index to resume the
// right stage with ResumeFrom. Called synchronously from within
// MultiStage.Update on Server.Run's own goroutine (via the matcher's
// might_match path), never from another goroutine - it must not go through
// Do, which would deadlock against the very call that's arming it.
func (s *Server) ArmTimeoutForStage(stageIndex int, trigger key.Key, millis uint16, cancelOnUp bool) {
	s.timers.arm(stageIndex, trigger, millis, cancelOnUp)
}

// Do runs fn on the server's single owning goroutine and waits for it to
// finish - the synchronization point every control-socket handler, timer
// callback, and device-event delivery must go through (spec §5 "one thread
// owns them for their entire lifetime").
func (s *Server) Do(fn func()) {
	done := make(chan struct{})
	s.cmds <- command{fn: fn, done: done}
	<-done
}

// Run is the server loop's entry point: it owns the goroutine that is the
// single thread referenced throughout spec §5, selecting over device
// events, the merged timer channel, and queued commands until ctx is
// cancelled or the engine's exit gesture completes.
func (s *Server) Run(ctx context.Context) {
	defer close(s.doneCh)
	defer s.shutdown()

	events := s.backend.Events()
	for {
		select {
		case <-ctx.Done():
			return

		case cmd, ok := <-s.cmds:
			if !ok {
				return
			}
			cmd.fn()
			close(cmd.done)

		case <-s.timers.Next():
			if fired, ok := s.timers.Fire(); ok {
				s.deliverTimeout(fired, -1)
			}

		case de, ok := <-events:
			if !ok {
				return
			}
			s.handleDeviceEvent(de)
		}

		if s.ms.ShouldExit() {
			return
		}
	}
}

// Done is closed once Run has returned and finished releasing resources.
func (s *Server) Done() <-chan struct{} { return s.doneCh }

// handleDeviceEvent implements spec §4.6 steps 1-5 for one observed event.
func (s *Server) handleDeviceEvent(de DeviceEvent) {
	ev := de.Event

	if s.isKeyRepeatToDrop(ev) {
		return
	}
	s.lastEvent, s.lastEventSeen = ev, true

	for _, fired := range s.timers.cancelledBy(ev) {
		s.deliverTimeout(fired, de.DeviceIndex)
	}

	out := s.ms.Update(ev, de.DeviceIndex)
	s.dispatch(out, de.DeviceIndex)
}

// isKeyRepeatToDrop implements spec §4.6 step 1: a same key+state Down
// repeat is dropped while a timeout or a deferred (debounced) send is
// pending, since delivering it would only re-trigger work the engine is
// already mid-decision on.
func (s *Server) isKeyRepeatToDrop(ev key.KeyEvent) bool {
	if ev.State != key.Down || !s.lastEventSeen {
		return false
	}
	if ev.Key != s.lastEvent.Key || ev.State != s.lastEvent.State {
		return false
	}
	return s.timers.anyArmed() || s.debounce.flushPending()
}

func (s *Server) deliverTimeout(fired firedTimer, deviceIndex int) {
	reply := key.NewTimeoutReply(fired.elapsedMillis)
	out := s.ms.ResumeFrom(fired.stageIndex, reply, deviceIndex)
	s.dispatch(out, deviceIndex)
}

// dispatch routes MultiStage's output: action/virtual-key events (surfaced
// by MultiStage as "server events", spec §4.4) go to their sinks; timeout
// request events (the output-side Key::timeout directive, spec §4.2.1) are
// skipped - the actual arming already happened via the TimeoutRequester
// callback at match time; everything else is a physical event for the
// send buffer (spec §4.6 step 5).
func (s *Server) dispatch(out key.KeySequence, deviceIndex int) {
	var toSend key.KeySequence
	for _, ev := range out {
		switch {
		case key.IsAction(ev.Key):
			if ev.State == key.Down && s.onAction != nil {
				s.onAction(key.ActionIndex(ev.Key), ev.Value)
			}
		case key.IsVirtual(ev.Key):
			if s.onVirtualKey != nil {
				s.onVirtualKey(ev.Key, ev.State == key.Down)
			}
		case ev.Key == key.Timeout:
			// Already armed via the TimeoutRequester callback at match
			// time; this copy is informational only.
		default:
			toSend = append(toSend, ev)
		}
	}
	if len(toSend) == 0 {
		return
	}
	s.debounce.send(s.backend, toSend, deviceIndex)
}

// ValidateState reconciles the engine's believed output_down state against
// an externally supplied oracle (supplemented feature, spec §7 "Timer
// misfire" / SPEC_FULL.md validate_state): for every key any stage believes
// is down but isDown reports up, it sends an Up to the virtual device and
// flushes. It never sends a Down for a key isDown reports down, and the
// stages' own output-down bookkeeping is left unchanged. Used after
// suspend/resume or VT switches where Up events can be lost before the
// daemon ever sees them.
func (s *Server) ValidateState(isDown func(key.Key) bool) {
	s.Do(func() {
		for _, st := range s.ms.Stages() {
			for _, k := range st.OutputKeysDown() {
				if !isDown(k) {
					if err := s.backend.SendKeyEvent(key.NewKeyEvent(k, key.Up)); err != nil {
						log.Printf("server: validate_state: send Up(%s): %v", k, err)
					}
				}
			}
		}
		if err := s.backend.Flush(); err != nil {
			log.Printf("server: validate_state: flush: %v", err)
		}
	})
}

// SetActiveClientContexts applies a new flat active-context selection from
// the client and dispatches any ContextActive transition output it
// produces (spec §4.4).
func (s *Server) SetActiveClientContexts(indices []int) {
	s.Do(func() {
		out := s.ms.SetActiveClientContexts(indices)
		s.dispatch(out, -1)
	})
}

// ReplaceStages swaps in a newly parsed, newly built MultiStage (spec §3
// "Lifecycle"): every key in the outgoing engine's final-stage output-down
// table is released first (Up synthesized), then the new engine takes
// over. Existing timers are implicitly cancelled since they reference the
// discarded stage indices.
func (s *Server) ReplaceStages(ms *multistage.MultiStage) {
	s.Do(func() {
		s.releaseAllOutputDown()
		s.timers.cancelAll()
		s.ms = ms
	})
}

// releaseAllOutputDown synthesizes Up for every key the current engine's
// final stage believes is down, per spec §3's replacement lifecycle and
// §7's disconnect handling.
func (s *Server) releaseAllOutputDown() {
	stages := s.ms.Stages()
	if len(stages) == 0 {
		return
	}
	last := stages[len(stages)-1]
	for _, k := range last.OutputKeysDown() {
		if err := s.backend.SendKeyEvent(key.NewKeyEvent(k, key.Up)); err != nil {
			log.Printf("server: release on replace: send Up(%s): %v", k, err)
		}
	}
	if err := s.backend.Flush(); err != nil {
		log.Printf("server: release on replace: flush: %v", err)
	}
}

// HandleDisconnect implements spec §7's socket-disconnect recovery: it
// sends Up for every key in the final stage's output-down table and cancels
// pending timers. The stages' sequence buffers and output-down tables are
// left as they are, so the engine is not reset to a clear state.
func (s *Server) HandleDisconnect() {
	s.Do(func() {
		s.releaseAllOutputDown()
		s.timers.cancelAll()
	})
}

// shutdown performs the exit-gesture / context-cancellation shutdown path
// (spec §4.2.2, §7 "Exit gesture matched"): release all output keys, flush,
// then release the backend.
func (s *Server) shutdown() {
	s.releaseAllOutputDown()
	if s.finalizer != nil {
		s.finalizer()
	}
	if err := s.backend.Shutdown(); err != nil {
		log.Printf("server: backend shutdown: %v", err)
	}
}

// GetVirtualKeyState answers the control socket's get_virtual_key_state
// message (spec §6): whether k is currently down anywhere in the chain.
func (s *Server) GetVirtualKeyState(k key.Key) (down bool) {
	s.Do(func() { down = s.ms.VirtualKeyState(k) })
	return down
}

// SetVirtualKeyState implements the control socket's set_virtual_key_state
// message, forcing k's state and dispatching any resulting output.
func (s *Server) SetVirtualKeyState(k key.Key, down bool) {
	s.Do(func() {
		out := s.ms.SetVirtualKeyState(k, down)
		s.dispatch(out, -1)
	})
}

// DeviceNamesChanged re-evaluates every stage's device filters against the
// backend's currently grabbed devices - called when a device is attached or
// detached (spec §4.3 "evaluated once at device-attach").
func (s *Server) DeviceNamesChanged() {
	s.Do(func() {
		s.ms.EvaluateDeviceFilters(s.backend.DeviceNames())
	})
}

// Err wraps a backend send failure for callers that want to distinguish it
// from other errors (spec §7's per-OS send failure handling).
type Err struct {
	Op  string
	Err error
}

func (e *Err) Error() string { return fmt.Sprintf("server: %s: %v", e.Op, e.Err) }
func (e *Err) Unwrap() error { return e.Err }
