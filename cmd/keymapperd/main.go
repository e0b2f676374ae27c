//go:build linux

// Command keymapperd is the translation-engine daemon: it owns the Linux
// evdev/uinput backend and the control socket (spec §6), applying whatever
// configuration its connected control client uploads and forwarding
// triggered actions and virtual-key transitions back to it.
//
// Grounded on badu-term/playground/keys/main.go's engine-lifecycle shape
// (InitLogger, core.NewCore, context cancellation, cpu/mem sampling) and on
// original_source/src/server/ServerApp.cpp's accept-one-client-at-a-time
// control loop.
package main

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/badu/keymapper/internal/logging"
	"github.com/badu/keymapper/key"
	"github.com/badu/keymapper/multistage"
	"github.com/badu/keymapper/platform/linux"
	"github.com/badu/keymapper/server"
	"github.com/badu/keymapper/stage"
	"github.com/badu/keymapper/wire"
)

// deviceNamesPollInterval is how often the daemon checks whether the
// backend's grabbed-device set changed, since platform/linux's hotplug
// watcher doesn't itself push a notification out to the daemon - a
// simplification against original_source's direct udev-event callback,
// documented in DESIGN.md.
const deviceNamesPollInterval = 2 * time.Second

type options struct {
	InstanceID             string
	Debug                  bool
	GrabMice               bool
	MinModifierButtonDelay time.Duration
	Stats                  bool
	StatsInterval          time.Duration
}

func loadOptions() options {
	pflag.String("instance-id", "", "suffix the control socket's abstract name with, for running multiple daemons")
	pflag.Bool("debug", false, "enable debug-level logging")
	pflag.Bool("grab-mice", false, "also grab relative-pointer devices, not just keyboards")
	pflag.Duration("min-modifier-button-delay", 0, "minimum spacing enforced between a modifier send and a following mouse-button send")
	pflag.Bool("stats", false, "periodically log cpu/memory usage")
	pflag.Duration("stats-interval", 5*time.Second, "interval between stats samples when --stats is set")
	pflag.Parse()
	_ = viper.BindPFlags(pflag.CommandLine)

	viper.SetEnvPrefix("KEYMAPPERD")
	viper.AutomaticEnv()

	viper.SetConfigName(".keymapper")
	viper.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
	}
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Warn().Err(err).Msg("keymapperd: reading .keymapper.yaml")
		}
	}

	return options{
		InstanceID:             viper.GetString("instance-id"),
		Debug:                  viper.GetBool("debug"),
		GrabMice:               viper.GetBool("grab-mice"),
		MinModifierButtonDelay: viper.GetDuration("min-modifier-button-delay"),
		Stats:                  viper.GetBool("stats"),
		StatsInterval:          viper.GetDuration("stats-interval"),
	}
}

// daemon owns the single control connection the socket accepts at a time
// (spec §6/§7 assume one control client per daemon instance) plus the set
// of virtual keys that connection has asked to be notified about.
type daemon struct {
	backend server.Backend
	srv     *server.Server

	mu         sync.Mutex
	conn       net.Conn
	notify     map[key.Key]bool
	configFile string
}

func newDaemon(backend server.Backend, opts options) *daemon {
	d := &daemon{backend: backend}
	ms := multistage.New(nil)
	d.srv = server.New(backend, ms,
		server.WithActionSink(d.sendAction),
		server.WithVirtualKeyNotifier(d.sendVirtualKeyState),
		server.WithMinModifierButtonDelay(opts.MinModifierButtonDelay),
	)
	return d
}

func main() {
	opts := loadOptions()

	logFile, err := logging.Init("daemon", opts.Debug)
	if err != nil {
		os.Exit(1)
	}
	defer logFile.Close()
	stage.Debug = opts.Debug

	backend, err := linux.New(linux.Config{GrabMice: opts.GrabMice})
	if err != nil {
		log.Fatal().Err(err).Msg("keymapperd: open backend")
	}

	d := newDaemon(backend, opts)

	ln, err := wire.Listen(opts.InstanceID)
	if err != nil {
		log.Fatal().Err(err).Msg("keymapperd: listen")
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go d.srv.Run(ctx)
	go d.watchDeviceNames(ctx)
	if opts.Stats {
		go d.reportStats(ctx, opts.StatsInterval)
	}
	go d.acceptLoop(ctx, ln)

	<-d.srv.Done()
	log.Info().Msg("keymapperd: shut down")
}

func (d *daemon) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Warn().Err(err).Msg("keymapperd: accept")
			return
		}
		d.handleConn(conn)
	}
}

// handleConn owns one control connection end to end: spec §7's disconnect
// recovery runs as soon as the read loop below returns, whatever the
// reason (client exit, malformed frame). A connection from another user is
// closed before it is installed, so no recovery runs for it.
func (d *daemon) handleConn(conn net.Conn) {
	if uid, gid, pid, err := wire.PeerCredentials(conn); err != nil {
		log.Warn().Err(err).Msg("keymapperd: peer credentials")
	} else if uid != uint32(os.Getuid()) {
		log.Warn().Uint32("uid", uid).Msg("keymapperd: refusing control connection from a different user")
		conn.Close()
		return
	} else {
		log.Debug().Uint32("gid", gid).Int32("pid", pid).Msg("keymapperd: control client connected")
	}

	d.mu.Lock()
	d.conn = conn
	d.notify = make(map[key.Key]bool)
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.conn, d.notify = nil, nil
		d.mu.Unlock()
		conn.Close()
		d.srv.HandleDisconnect()
	}()

	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Msg("keymapperd: read frame")
			}
			return
		}
		d.dispatch(f)
	}
}

func (d *daemon) dispatch(f wire.Frame) {
	switch f.Type {
	case wire.MsgConfiguration:
		d.applyConfiguration(f.Body)

	case wire.MsgActiveContexts:
		indices, err := wire.DecodeActiveContexts(f.Body)
		if err != nil {
			log.Warn().Err(err).Msg("keymapperd: decode active_contexts")
			return
		}
		d.srv.SetActiveClientContexts(indices)

	case wire.MsgValidateState:
		d.validateState()

	case wire.MsgGetVirtualKeyState:
		v, err := wire.DecodeVirtualKeyState(f.Body)
		if err != nil {
			log.Warn().Err(err).Msg("keymapperd: decode get_virtual_key_state")
			return
		}
		down := d.srv.GetVirtualKeyState(v.Key)
		d.send(wire.MsgVirtualKeyState, wire.EncodeVirtualKeyState(wire.VirtualKeyState{Key: v.Key, State: boolState(down)}))

	case wire.MsgSetVirtualKeyState:
		v, err := wire.DecodeVirtualKeyState(f.Body)
		if err != nil {
			log.Warn().Err(err).Msg("keymapperd: decode set_virtual_key_state")
			return
		}
		d.srv.SetVirtualKeyState(v.Key, v.State == key.Down)

	case wire.MsgRequestVirtualKeyToggleNotification:
		v, err := wire.DecodeVirtualKeyState(f.Body)
		if err != nil {
			log.Warn().Err(err).Msg("keymapperd: decode request_virtual_key_toggle_notification")
			return
		}
		d.mu.Lock()
		if d.notify != nil {
			d.notify[v.Key] = true
		}
		d.mu.Unlock()

	case wire.MsgSetConfigFile:
		path := wire.DecodeString(f.Body)
		d.mu.Lock()
		d.configFile = path
		d.mu.Unlock()
		// No textual config parser lives in this daemon; the path is kept
		// only so status/diagnostics can report which file the client
		// says it loaded.
		log.Info().Str("path", path).Msg("keymapperd: config file path recorded")

	case wire.MsgSetInstanceID:
		// The control socket's address is already fixed by --instance-id
		// at startup; a client-reported instance id is informational only.
		log.Info().Str("instance_id", wire.DecodeString(f.Body)).Msg("keymapperd: client-reported instance id")

	default:
		log.Warn().Stringer("type", f.Type).Msg("keymapperd: message not expected from a client")
	}
}

func boolState(down bool) key.State {
	if down {
		return key.Down
	}
	return key.Up
}

// applyConfiguration decodes one flat context list and installs it as a
// single-stage chain, replacing whatever was running before (spec §3
// "Lifecycle": stages are rebuilt whole, not mutated in place).
func (d *daemon) applyConfiguration(body []byte) {
	contexts, err := wire.DecodeConfiguration(body)
	if err != nil {
		log.Warn().Err(err).Msg("keymapperd: decode configuration")
		return
	}
	st := stage.New(contexts,
		stage.WithTimeoutRequester(func(trigger key.Key, millis uint16, cancelOnUp bool) {
			d.srv.ArmTimeoutForStage(0, trigger, millis, cancelOnUp)
		}),
	)
	d.srv.ReplaceStages(multistage.New([]*stage.Stage{st}))
	log.Info().Int("contexts", len(contexts)).Msg("keymapperd: configuration applied")
}

func (d *daemon) validateState() {
	oracle, ok := d.backend.(server.KeyStateOracle)
	if !ok {
		log.Warn().Msg("keymapperd: validate_state: backend cannot report physical key state")
		return
	}
	d.srv.ValidateState(oracle.IsKeyDown)
}

func (d *daemon) send(t wire.MessageType, body []byte) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return
	}
	if err := wire.WriteFrame(conn, wire.Frame{Type: t, Body: body}); err != nil {
		log.Warn().Err(err).Msg("keymapperd: write frame")
	}
}

func (d *daemon) sendAction(index int, value uint16) {
	d.send(wire.MsgTriggeredAction, wire.EncodeTriggeredAction(wire.TriggeredAction{Index: index, Value: value}))
}

func (d *daemon) sendVirtualKeyState(k key.Key, down bool) {
	d.mu.Lock()
	want := d.notify != nil && d.notify[k]
	d.mu.Unlock()
	if !want {
		return
	}
	d.send(wire.MsgVirtualKeyState, wire.EncodeVirtualKeyState(wire.VirtualKeyState{Key: k, State: boolState(down)}))
}

// watchDeviceNames polls the backend's grabbed-device list and re-evaluates
// device filters (spec §4.3 "evaluated once at device-attach") whenever it
// changes, pushing the new list to the client the same way
// original_source's device-attach callback does.
func (d *daemon) watchDeviceNames(ctx context.Context) {
	var last []string
	t := time.NewTicker(deviceNamesPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			names := d.backend.DeviceNames()
			if stringsEqual(names, last) {
				continue
			}
			last = append([]string(nil), names...)
			d.srv.DeviceNamesChanged()
			d.send(wire.MsgDeviceNames, wire.EncodeDeviceNames(names))
		}
	}
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// reportStats logs periodic cpu/memory samples for the --stats flag,
// grounded on badu-term/playground/keys/main.go's cpu.Percent/
// mem.VirtualMemory sampling loop.
func (d *daemon) reportStats(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			percents, err := cpu.Percent(0, false)
			if err != nil {
				log.Warn().Err(err).Msg("keymapperd: cpu.Percent")
				continue
			}
			vm, err := mem.VirtualMemory()
			if err != nil {
				log.Warn().Err(err).Msg("keymapperd: mem.VirtualMemory")
				continue
			}
			var cpuPct float64
			if len(percents) > 0 {
				cpuPct = percents[0]
			}
			log.Info().
				Float64("cpu_percent", cpuPct).
				Uint64("mem_used_bytes", vm.Used).
				Float64("mem_used_percent", vm.UsedPercent).
				Msg("keymapperd: stats")
		}
	}
}
