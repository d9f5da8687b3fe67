// Package notify reads the newline-delimited key=value datagrams a
// service sends on its $NOTIFY_SOCKET (§6): READY=1, WATCHDOG=1,
// STATUS=, MAINPID=, RELOADING=1, STOPPING=1, FDSTORE=1/FDSTOREREMOVE=1.
package notify

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"service-core/logging"
)

// Message is one parsed notify datagram; unset fields are left at their
// zero value, with the Has* flags distinguishing "absent" from "zero".
type Message struct {
	Ready            bool
	Watchdog         bool
	WatchdogUSec     int64
	HasWatchdogUSec  bool
	Status           string
	HasStatus        bool
	MainPID          int
	HasMainPID       bool
	Reloading        bool
	Stopping         bool
	FDStore          bool
	FDStoreRemove    bool
	FDName           string
}

// Parse decodes a single notify datagram payload into a Message.
func Parse(payload []byte) Message {
	var m Message
	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "READY":
			m.Ready = value == "1"
		case "WATCHDOG":
			m.Watchdog = value == "1"
		case "WATCHDOG_USEC":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				m.WatchdogUSec = v
				m.HasWatchdogUSec = true
			}
		case "STATUS":
			m.Status = value
			m.HasStatus = true
		case "MAINPID":
			if v, err := strconv.Atoi(value); err == nil {
				m.MainPID = v
				m.HasMainPID = true
			}
		case "RELOADING":
			m.Reloading = value == "1"
		case "STOPPING":
			m.Stopping = value == "1"
		case "FDSTORE":
			m.FDStore = value == "1"
		case "FDSTOREREMOVE":
			m.FDStoreRemove = value == "1"
		case "FDNAME":
			m.FDName = value
		}
	}
	return m
}

// Listener owns the manager's end of a unit's notify socket: a
// SOCK_DGRAM unix socket at a per-unit path, exposed to the unit's
// processes via $NOTIFY_SOCKET.
type Listener struct {
	UnitName string
	Path     string
	fd       int
}

// NewListener creates and binds the notify socket for a unit.
func NewListener(unitName, path string) (*Listener, error) {
	os.Remove(path)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("notify: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("notify: bind %s: %w", path, err)
	}
	return &Listener{UnitName: unitName, Path: path, fd: fd}, nil
}

// Close releases the socket and removes the path.
func (l *Listener) Close() error {
	unix.Close(l.fd)
	return os.Remove(l.Path)
}

// SetReadTimeout bounds how long Receive blocks, letting a caller enforce
// StartTimeout= while waiting for READY=1 (§8: a Type=notify service that
// never sends READY=1 must time out, not hang forever). A zero duration
// clears the timeout.
func (l *Listener) SetReadTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(l.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

// Receive blocks for the next datagram and returns it parsed. It does not
// read the sender's credentials, so no sender pid is returned; a MAINPID=
// field in the message is the only pid information.
func (l *Listener) Receive() (Message, error) {
	buf := make([]byte, 4096)
	n, _, _, _, err := unix.Recvmsg(l.fd, buf, nil, 0)
	if err != nil {
		return Message{}, fmt.Errorf("notify: recvmsg: %w", err)
	}
	return Parse(buf[:n]), nil
}

// DBusMirror republishes STOPPING=1/RELOADING=1 transitions onto a
// session-bus signal for parity with org.freedesktop.systemd1 unit
// property watchers, per the DOMAIN STACK's read-only reflection use of
// godbus/dbus. Best-effort: a bus connection failure only disables the
// mirror, it never fails the notify pipeline itself.
type DBusMirror struct {
	conn *dbus.Conn
}

// NewDBusMirror connects to the session bus. Returns (nil, err) on
// failure; callers should treat that as "mirroring disabled" rather than
// fatal.
func NewDBusMirror() (*DBusMirror, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}
	return &DBusMirror{conn: conn}, nil
}

// Emit publishes a unit state transition onto the bus.
func (m *DBusMirror) Emit(unitName, property, value string) {
	if m == nil || m.conn == nil {
		return
	}
	const iface = "org.service_core.Manager1.Unit"
	path := dbus.ObjectPath("/org/service_core/unit/" + sanitizeObjectPathSegment(unitName))
	if err := m.conn.Emit(path, iface+".PropertiesChanged", property, value); err != nil {
		logging.Warn("notify: dbus emit failed", "unit", unitName, "error", err)
	}
}

// Close disconnects the bus connection.
func (m *DBusMirror) Close() error {
	if m == nil || m.conn == nil {
		return nil
	}
	return m.conn.Close()
}

func sanitizeObjectPathSegment(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
