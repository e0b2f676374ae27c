//go:build linux

package wire

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// abstractSocketName names the Linux abstract Unix-domain socket namespace
// entry the daemon listens on and clients connect to: a leading NUL byte
// followed by the name, which the kernel treats as belonging to no path in
// the filesystem (no unlink, no stale-file cleanup) - grounded on
// original_source/src/common/Connection.cpp's set_unix_domain_socket_path,
// which zeroes sun_path[0] for the same reason on Linux.
const abstractSocketName = "keymapper"

// Listen opens the daemon's control socket. instanceID, when non-empty,
// is appended to the abstract name so multiple daemon instances (e.g. one
// per login session) don't collide, mirroring set_config_file/
// set_instance_id's per-instance addressing (spec §6).
func Listen(instanceID string) (net.Listener, error) {
	addr := "@" + socketName(instanceID)
	l, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: listen on %s: %w", addr, err)
	}
	return l, nil
}

// Dial connects a client to the daemon's control socket.
func Dial(instanceID string) (net.Conn, error) {
	addr := "@" + socketName(instanceID)
	c, err := net.Dial("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}
	return c, nil
}

func socketName(instanceID string) string {
	if instanceID == "" {
		return abstractSocketName
	}
	return abstractSocketName + "-" + instanceID
}

// PeerCredentials reads the connecting process's uid/gid/pid off the
// accepted socket via SO_PEERCRED, so the daemon can refuse a configuration
// or active_contexts message from anyone but the user it's running for -
// the Go equivalent of the privilege boundary original_source's Connection
// otherwise leaves entirely to filesystem socket permissions.
func PeerCredentials(conn net.Conn) (uid, gid uint32, pid int32, err error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, 0, 0, fmt.Errorf("wire: PeerCredentials: not a unix socket")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, 0, 0, err
	}
	var cred *unix.Ucred
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, err = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return 0, 0, 0, ctrlErr
	}
	if err != nil {
		return 0, 0, 0, err
	}
	return cred.Uid, cred.Gid, cred.Pid, nil
}
