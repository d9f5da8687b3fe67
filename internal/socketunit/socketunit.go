// Package socketunit drives Type=socket units (§4.6): opening listeners
// per SingleSocketConfig, applying the requested socket options, parking
// the resulting file descriptors in the runtime registry for handoff as
// LISTEN_FDS, and the Accept=yes inetd mode with its connection caps.
package socketunit

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	cerrors "service-core/errors"
	"service-core/internal/registry"
	"service-core/internal/unit"
	"service-core/logging"
)

// OpenListeners opens every listener declared by a socket unit and
// stores the resulting files in the registry under the unit's name, in
// declaration order so LISTEN_FDS/LISTEN_FDNAMES stay index-aligned.
func OpenListeners(u *unit.Unit, reg *registry.Registry) ([]*os.File, []string, error) {
	var files []*os.File
	var names []string

	for i, l := range u.Socket.Listeners {
		f, err := openOne(l)
		if err != nil {
			closeAll(files)
			return nil, nil, cerrors.WrapWithUnit(err, cerrors.ErrSocketOpen, "open listener", u.Name)
		}
		name := u.Socket.FileDescriptorName
		if name == "" {
			name = fmt.Sprintf("%s-%d", u.Name, i)
		}
		files = append(files, f)
		names = append(names, name)
		reg.StoreFD(u.Name, name, f)
	}

	logging.Info("socketunit: opened listeners", "unit", u.Name, "count", len(files))
	return files, names, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

func openOne(cfg unit.SingleSocketConfig) (*os.File, error) {
	switch cfg.Kind {
	case "stream":
		return openStream(cfg)
	case "datagram":
		return openDatagram(cfg)
	case "fifo":
		return openFIFO(cfg)
	case "sequential":
		return openSeqpacket(cfg)
	default:
		return nil, fmt.Errorf("socketunit: unsupported listener kind %q", cfg.Kind)
	}
}

func openStream(cfg unit.SingleSocketConfig) (*os.File, error) {
	network, addr := classifyAddress(cfg.Address)
	if network == "unix" {
		return listenUnix(addr, unix.SOCK_STREAM, cfg)
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	return dupListenerFile(ln)
}

func openDatagram(cfg unit.SingleSocketConfig) (*os.File, error) {
	network, addr := classifyAddress(cfg.Address)
	if network == "unix" {
		return listenUnix(addr, unix.SOCK_DGRAM, cfg)
	}
	network = strings.Replace(network, "tcp", "udp", 1)
	pc, err := net.ListenPacket(network, addr)
	if err != nil {
		return nil, err
	}
	defer pc.Close()
	type fileProvider interface{ File() (*os.File, error) }
	fp, ok := pc.(fileProvider)
	if !ok {
		return nil, fmt.Errorf("socketunit: %T does not support fd extraction", pc)
	}
	return fp.File()
}

func openSeqpacket(cfg unit.SingleSocketConfig) (*os.File, error) {
	return listenUnix(cfg.Address, unix.SOCK_SEQPACKET, cfg)
}

func openFIFO(cfg unit.SingleSocketConfig) (*os.File, error) {
	os.Remove(cfg.Address)
	mode := cfg.SocketMode
	if mode == 0 {
		mode = 0600
	}
	if err := unix.Mkfifo(cfg.Address, mode); err != nil {
		return nil, err
	}
	return os.OpenFile(cfg.Address, os.O_RDWR, 0)
}

// classifyAddress distinguishes a filesystem path (unix socket) from a
// host:port address.
func classifyAddress(addr string) (network, rest string) {
	if strings.HasPrefix(addr, "/") || strings.HasPrefix(addr, "@") {
		return "unix", addr
	}
	return "tcp", addr
}

func listenUnix(path string, sockType int, cfg unit.SingleSocketConfig) (*os.File, error) {
	if !strings.HasPrefix(path, "@") {
		os.Remove(path)
	}
	fd, err := unix.Socket(unix.AF_UNIX, sockType, 0)
	if err != nil {
		return nil, err
	}
	applySocketOptions(fd, cfg)

	sa := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = 128
	}
	if sockType == unix.SOCK_STREAM || sockType == unix.SOCK_SEQPACKET {
		if err := unix.Listen(fd, backlog); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	if cfg.SocketMode != 0 && !strings.HasPrefix(path, "@") {
		os.Chmod(path, os.FileMode(cfg.SocketMode))
	}
	return os.NewFile(uintptr(fd), path), nil
}

func applySocketOptions(fd int, cfg unit.SingleSocketConfig) {
	if cfg.ReusePort {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}
	if cfg.PassCredentials {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	}
	if cfg.ReceiveBuffer > 0 {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.ReceiveBuffer)
	}
	if cfg.SendBuffer > 0 {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SendBuffer)
	}
	if cfg.Mark != 0 {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, cfg.Mark)
	}
	if cfg.Broadcast {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}
}

func dupListenerFile(ln net.Listener) (*os.File, error) {
	type fileProvider interface{ File() (*os.File, error) }
	fp, ok := ln.(fileProvider)
	if !ok {
		return nil, fmt.Errorf("socketunit: %T does not support fd extraction", ln)
	}
	return fp.File()
}

// sourceKey reduces a remote address to the identity MaxConnectionsPerSource
// caps against: the host for IP-based transports, since the ephemeral port
// differs on every connection and would make the cap meaningless, and the
// address verbatim for anything without a separable port (unix sockets).
func sourceKey(addr net.Addr) string {
	s := addr.String()
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return s
	}
	return host
}

// InetdAcceptor runs the Accept=yes mode: it accepts connections itself
// and hands each one to spawn as a fresh per-connection instance,
// enforcing MaxConnections and MaxConnectionsPerSource (§9 Open Question
// resolved in DESIGN.md: a source at its per-source cap is refused, the
// listener keeps serving other sources).
type InetdAcceptor struct {
	Unit     *unit.Unit
	Listener *os.File
	Spawn    func(conn *os.File, sourceAddr string) error

	mu          sync.Mutex
	total       int
	perSource   map[string]int
}

// Run accepts connections until the listener is closed or ctx-like stop
// is requested via closing the file. Errors from individual accepts are
// logged and do not stop the loop; a fatal accept error (listener
// closed) returns.
func (a *InetdAcceptor) Run() error {
	fl, err := net.FileListener(a.Listener)
	if err != nil {
		return cerrors.WrapWithUnit(err, cerrors.ErrSocketOpen, "inetd listener", a.Unit.Name)
	}
	if a.perSource == nil {
		a.perSource = make(map[string]int)
	}

	for {
		conn, err := fl.Accept()
		if err != nil {
			return cerrors.WrapWithUnit(err, cerrors.ErrSocketOpen, "inetd accept", a.Unit.Name)
		}

		source := sourceKey(conn.RemoteAddr())

		a.mu.Lock()
		maxConn := a.Unit.Socket.MaxConnections
		maxPerSrc := a.Unit.Socket.MaxConnectionsPerSource
		overTotal := maxConn > 0 && a.total >= maxConn
		overSource := maxPerSrc > 0 && a.perSource[source] >= maxPerSrc
		if !overTotal && !overSource {
			a.total++
			a.perSource[source]++
		}
		a.mu.Unlock()

		if overTotal || overSource {
			conn.Close()
			logging.Warn("socketunit: refused connection over limit", "unit", a.Unit.Name, "source", source)
			continue
		}

		type fileProvider interface{ File() (*os.File, error) }
		fp, ok := conn.(fileProvider)
		if !ok {
			conn.Close()
			continue
		}
		f, err := fp.File()
		conn.Close()
		if err != nil {
			logging.Warn("socketunit: fd extraction failed", "unit", a.Unit.Name, "error", err)
			continue
		}

		go func(f *os.File, source string) {
			defer func() {
				a.mu.Lock()
				a.total--
				a.perSource[source]--
				a.mu.Unlock()
			}()
			if err := a.Spawn(f, source); err != nil {
				logging.Error("socketunit: inetd spawn failed", "unit", a.Unit.Name, "error", err)
			}
		}(f, source)
	}
}
