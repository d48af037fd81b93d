// Package listener manages the shared data socket the worker pool serves
// from. The socket is bound once by the supervisor before any worker starts
// and closed exactly once when draining begins.
package listener

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultRetryMin     = 5 * time.Millisecond
	defaultRetryMax     = 1 * time.Second
	defaultFailureLimit = 10
)

// ErrListenerClosed is returned by Accept once the socket has been closed.
var ErrListenerClosed = errors.New("listener closed")

// BindError reports a failure to bind the data socket. Binding happens once
// at startup and a BindError is fatal.
type BindError struct {
	Network string
	Addr    string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s %s: %v", e.Network, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// AcceptError reports a persistent accept failure after internal retries
// were exhausted. The worker that receives it exits crash-class.
type AcceptError struct {
	Attempts int
	Err      error
}

func (e *AcceptError) Error() string {
	return fmt.Sprintf("accept failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AcceptError) Unwrap() error {
	return e.Err
}

// Listener wraps the shared socket. All methods are safe for concurrent use,
// though in practice a single accept loop owns Accept and hands connections
// to whichever worker is ready.
type Listener struct {
	network  string
	addr     string
	unixPath string

	ln       net.Listener
	accepted atomic.Int64
	closed   atomic.Bool

	retryMin     time.Duration
	retryMax     time.Duration
	failureLimit int
}

// Bind opens the data socket. Addresses are "host:port" for TCP or
// "unix:/path/to.sock" for a Unix domain socket. A stale Unix socket file
// left by an unclean shutdown is removed if nothing answers on it.
func Bind(addr string) (*Listener, error) {
	network, address := splitAddr(addr)

	if network == "unix" {
		if err := removeStaleSocket(address); err != nil {
			return nil, &BindError{Network: network, Addr: address, Err: err}
		}
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, &BindError{Network: network, Addr: address, Err: err}
	}

	l := &Listener{
		network:      network,
		addr:         address,
		ln:           ln,
		retryMin:     defaultRetryMin,
		retryMax:     defaultRetryMax,
		failureLimit: defaultFailureLimit,
	}
	if network == "unix" {
		l.unixPath = address
	}
	return l, nil
}

// Accept blocks until a connection arrives or the socket is closed.
// Transient accept errors (fd exhaustion, aborted handshakes) are retried
// with exponential backoff; only after failureLimit consecutive errors does
// Accept give up and return an AcceptError.
func (l *Listener) Accept() (net.Conn, error) {
	backoff := l.retryMin
	var lastErr error

	for attempt := 0; attempt < l.failureLimit; attempt++ {
		conn, err := l.ln.Accept()
		if err == nil {
			l.accepted.Add(1)
			return conn, nil
		}
		if l.closed.Load() || errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}

		lastErr = err
		time.Sleep(backoff)
		backoff *= 2
		if backoff > l.retryMax {
			backoff = l.retryMax
		}
	}

	return nil, &AcceptError{Attempts: l.failureLimit, Err: lastErr}
}

// Close shuts the socket. Safe to call more than once; concurrent Accept
// calls unblock with ErrListenerClosed.
func (l *Listener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	err := l.ln.Close()
	if l.unixPath != "" {
		os.Remove(l.unixPath)
	}
	return err
}

// Addr returns the bound address. For ":0" binds this carries the port the
// kernel picked.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Network returns "tcp" or "unix".
func (l *Listener) Network() string {
	return l.network
}

// AcceptedConns returns the number of connections handed out so far.
func (l *Listener) AcceptedConns() int64 {
	return l.accepted.Load()
}

func splitAddr(addr string) (network, address string) {
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		return "unix", path
	}
	return "tcp", addr
}

// removeStaleSocket deletes a leftover socket file if no listener answers on
// it. A live socket is left alone so the bind fails with address-in-use.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, 100*time.Millisecond)
	if err == nil {
		conn.Close()
		return nil
	}
	return os.Remove(path)
}
