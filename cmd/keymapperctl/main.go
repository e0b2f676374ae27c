// Command keymapperctl is the control-socket CLI (spec §6): one subcommand
// per control message kind, talking to a running keymapperd over its
// abstract Unix-domain socket.
//
// Grounded on the cobra command-construction shape in
// other_examples/b771d23a_unikraft-kraftkit__cmd-kraft-events-events.go.go
// (cmd.Use/cmd.Args/cmd.RunE, flags bound straight into an options struct)
// and on original_source/src/client/ClientApp.cpp's one-verb-per-message
// control client.
package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/badu/keymapper/key"
	"github.com/badu/keymapper/wire"
)

// Exit codes (spec §6), distinct enough for a calling shell script to
// branch on without parsing stdout.
const (
	exitYes              = 0
	exitNo               = 1
	exitInvalidArgs      = 2
	exitConnectionFailed = 3
	exitTimeout          = 4
	exitKeyNotFound      = 5
)

type rootOptions struct {
	InstanceID string
	Timeout    time.Duration
}

// exitError lets a subcommand's RunE pick a specific process exit code
// instead of cobra's blanket exit-1-on-any-error behavior.
type exitError struct {
	code int
	msg  string
}

func (e exitError) Error() string { return e.msg }

func fail(code int, format string, args ...any) error {
	return exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

func main() {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "keymapperctl",
		Short:         "Control client for the keymapperd translation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.InstanceID, "instance-id", "", "daemon instance id (must match keymapperd's --instance-id)")
	root.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 2*time.Second, "how long to wait for a reply before giving up")

	root.AddCommand(
		newGetCmd(opts),
		newSetCmd(opts),
		newValidateCmd(opts),
		newConfigFileCmd(opts),
		newInstanceIDCmd(opts),
	)

	if err := root.Execute(); err != nil {
		var xerr exitError
		if errors.As(err, &xerr) {
			fmt.Fprintln(os.Stderr, xerr.msg)
			os.Exit(xerr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInvalidArgs)
	}
}

func dial(opts *rootOptions) (net.Conn, error) {
	return wire.Dial(opts.InstanceID)
}

func readFrame(conn net.Conn, timeout time.Duration) (wire.Frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return wire.Frame{}, err
	}
	return wire.ReadFrame(conn)
}

// newGetCmd implements "get", wrapping get_virtual_key_state: exit 0 if the
// key is down, 1 if up, so a caller can write `keymapperctl get Virtual0 &&
// do-something` directly.
func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Query a virtual key's current state (exit 0 down, 1 up)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, ok := key.Parse(args[0])
			if !ok {
				return fail(exitKeyNotFound, "keymapperctl: unknown key %q", args[0])
			}

			conn, err := dial(opts)
			if err != nil {
				return fail(exitConnectionFailed, "keymapperctl: %v", err)
			}
			defer conn.Close()

			body := wire.EncodeVirtualKeyState(wire.VirtualKeyState{Key: k, State: key.Up})
			if err := wire.WriteFrame(conn, wire.Frame{Type: wire.MsgGetVirtualKeyState, Body: body}); err != nil {
				return fail(exitConnectionFailed, "keymapperctl: send: %v", err)
			}

			f, err := readFrame(conn, opts.Timeout)
			if err != nil {
				return fail(exitTimeout, "keymapperctl: waiting for reply: %v", err)
			}
			if f.Type != wire.MsgVirtualKeyState {
				return fail(exitConnectionFailed, "keymapperctl: unexpected reply %s", f.Type)
			}
			v, err := wire.DecodeVirtualKeyState(f.Body)
			if err != nil {
				return fail(exitConnectionFailed, "keymapperctl: %v", err)
			}

			if v.State == key.Down {
				fmt.Println("down")
				os.Exit(exitYes)
			}
			fmt.Println("up")
			os.Exit(exitNo)
			return nil
		},
	}
}

// newSetCmd implements "set", wrapping set_virtual_key_state.
func newSetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <down|up>",
		Short: "Force a virtual key down or up",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, ok := key.Parse(args[0])
			if !ok {
				return fail(exitKeyNotFound, "keymapperctl: unknown key %q", args[0])
			}
			var state key.State
			switch args[1] {
			case "down":
				state = key.Down
			case "up":
				state = key.Up
			default:
				return fail(exitInvalidArgs, `keymapperctl: state must be "down" or "up", got %q`, args[1])
			}

			conn, err := dial(opts)
			if err != nil {
				return fail(exitConnectionFailed, "keymapperctl: %v", err)
			}
			defer conn.Close()

			body := wire.EncodeVirtualKeyState(wire.VirtualKeyState{Key: k, State: state})
			if err := wire.WriteFrame(conn, wire.Frame{Type: wire.MsgSetVirtualKeyState, Body: body}); err != nil {
				return fail(exitConnectionFailed, "keymapperctl: send: %v", err)
			}
			return nil
		},
	}
}

// newValidateCmd implements "validate", wrapping validate_state. The body
// is empty: the daemon reconciles against its own backend's key-state
// oracle rather than one this client supplies (see platform/linux.Backend's
// IsKeyDown).
func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Ask the daemon to reconcile its believed output state against the OS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(opts)
			if err != nil {
				return fail(exitConnectionFailed, "keymapperctl: %v", err)
			}
			defer conn.Close()

			if err := wire.WriteFrame(conn, wire.Frame{Type: wire.MsgValidateState}); err != nil {
				return fail(exitConnectionFailed, "keymapperctl: send: %v", err)
			}
			return nil
		},
	}
}

// newConfigFileCmd implements "config-file", wrapping set_config_file: the
// daemon has no textual config parser, so this only updates what it reports
// for status/diagnostics.
func newConfigFileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config-file <path>",
		Short: "Report the rule-config file this client loaded, for daemon status output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(opts)
			if err != nil {
				return fail(exitConnectionFailed, "keymapperctl: %v", err)
			}
			defer conn.Close()

			if err := wire.WriteFrame(conn, wire.Frame{Type: wire.MsgSetConfigFile, Body: wire.EncodeString(args[0])}); err != nil {
				return fail(exitConnectionFailed, "keymapperctl: send: %v", err)
			}
			return nil
		},
	}
}

// newInstanceIDCmd implements "instance-id", wrapping set_instance_id. The
// socket address is fixed by keymapperd's own --instance-id at startup;
// this only reports the client's notion of it back to the daemon's log.
func newInstanceIDCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "instance-id <id>",
		Short: "Report this client's instance id to the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(opts)
			if err != nil {
				return fail(exitConnectionFailed, "keymapperctl: %v", err)
			}
			defer conn.Close()

			if err := wire.WriteFrame(conn, wire.Frame{Type: wire.MsgSetInstanceID, Body: wire.EncodeString(args[0])}); err != nil {
				return fail(exitConnectionFailed, "keymapperctl: send: %v", err)
			}
			return nil
		},
	}
}
