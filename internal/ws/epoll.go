//go:build linux

package ws

import (
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll multiplexes read readiness for every live WebSocket over a single
// kernel epoll instance, so idle connections cost no goroutines. Only the
// server's read loop calls Wait.
type Epoll struct {
	fd    int
	mu    sync.RWMutex
	byFD  map[int]net.Conn
	ready []unix.EpollEvent // scratch buffer for epoll_wait results
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Epoll{
		fd:    fd,
		byFD:  make(map[int]net.Conn),
		ready: make([]unix.EpollEvent, 128),
	}, nil
}

// Add puts the connection's socket on the interest list for input and hangup
// events.
func (e *Epoll) Add(conn net.Conn) error {
	fd := connFD(conn)
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}

	e.mu.Lock()
	e.byFD[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove takes the connection's socket off the interest list.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := connFD(conn)
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll del fd %d: %w", fd, err)
	}

	e.mu.Lock()
	delete(e.byFD, fd)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one registered socket is readable and returns
// the matching connections. Sockets removed between the kernel queuing the
// event and the lookup are left out of the result.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.ready, -1)
	if err != nil {
		return nil, err
	}

	conns := make([]net.Conn, 0, n)
	e.mu.RLock()
	for _, ev := range e.ready[:n] {
		if conn, ok := e.byFD[int(ev.Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close releases the epoll file descriptor. Registered connections are not
// closed here; the connection manager owns their lifecycle.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.byFD = nil
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// connFD digs the socket file descriptor out of a net.Conn without
// duplicating it. Conn.File would dup the descriptor, and epoll must watch
// the one the runtime actually reads from.
func connFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(s uintptr) { fd = int(s) })
	return fd
}
