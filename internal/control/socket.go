package control

import (
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// ErrSocketPathTooLong is returned when a derived path does not fit in
// sockaddr_un.
const ErrSocketPathTooLong = errors.ConstError("control socket path too long")

// maxSocketPath leaves room for the terminating NUL.
var maxSocketPath = len(unix.RawSockaddrUnix{}.Path) - 1

// SocketPath derives the control socket for hostname:port inside dir.
// The same host and port always map to the same path.
func SocketPath(dir, hostname string, port int) (string, error) {
	if port <= 0 {
		port = DefaultPort
	}
	name := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(hostname)
	path := filepath.Join(dir, name+"-"+strconv.Itoa(port))
	if len(path) > maxSocketPath {
		return "", errors.Annotatef(ErrSocketPathTooLong, "%s (%d > %d bytes)", path, len(path), maxSocketPath)
	}
	return path, nil
}

// SocketExists reports whether path exists and is a unix socket.
func SocketExists(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&fs.ModeSocket != 0
}

// RemoveSocket deletes a stale socket file. A missing file is not an error.
func RemoveSocket(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return errors.Annotatef(err, "removing socket %s", path)
}

// ListSockets returns the socket files present in dir.
func ListSockets(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "reading socket dir %s", dir)
	}

	var sockets []string
	for _, e := range entries {
		if e.Type()&fs.ModeSocket == 0 {
			continue
		}
		sockets = append(sockets, filepath.Join(dir, e.Name()))
	}
	return sockets, nil
}

// PortAvailable reports whether a local TCP port can currently be bound on
// the loopback interface.
func PortAvailable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
