package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/mailarchive/pkg/metrics"
)

// Timeouts are the idle bounds applied by Wrap. Zero disables a bound.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
}

// DefaultTimeouts returns the 30s read and 15s write bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{Read: DefaultReadTimeout, Write: DefaultWriteTimeout}
}

// Conn enforces idle bounds on an established connection.
//
// The write bound is a deadline armed on every Write. The read bound is a
// watchdog that only runs while a command is in flight, between Begin and End;
// every successful read counts as activity. When the bound passes the
// watchdog closes the socket. Deadlines are not used for reads because the
// IMAP client sets and clears its own read deadlines on the same socket.
// A pooled session sitting idle between commands keeps a reader blocked on
// the socket and must not be torn down for that.
type Conn struct {
	net.Conn
	timeouts Timeouts

	mu       sync.Mutex
	inFlight int
	watchdog *time.Timer
	lastRead atomic.Int64
	timedOut atomic.Bool
}

// errReadIdle is returned by reads interrupted by the watchdog.
type errReadIdle struct{}

func (errReadIdle) Error() string   { return "read idle timeout" }
func (errReadIdle) Timeout() bool   { return true }
func (errReadIdle) Temporary() bool { return false }

// Wrap installs the given idle bounds on conn.
func Wrap(conn net.Conn, timeouts Timeouts) *Conn {
	return &Conn{Conn: conn, timeouts: timeouts}
}

// Begin marks the start of a command; the read bound is armed until the
// matching End.
func (c *Conn) Begin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight++
	if c.inFlight != 1 || c.timeouts.Read <= 0 {
		return
	}
	c.lastRead.Store(time.Now().UnixNano())
	if c.watchdog == nil {
		c.watchdog = time.AfterFunc(c.timeouts.Read, c.checkIdle)
	} else {
		c.watchdog.Reset(c.timeouts.Read)
	}
}

// End marks the completion of a command started with Begin.
func (c *Conn) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	if c.inFlight == 0 && c.watchdog != nil {
		c.watchdog.Stop()
	}
}

func (c *Conn) checkIdle() {
	c.mu.Lock()
	if c.inFlight == 0 {
		c.mu.Unlock()
		return
	}
	idle := time.Since(time.Unix(0, c.lastRead.Load()))
	if idle < c.timeouts.Read {
		c.watchdog.Reset(c.timeouts.Read - idle)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.timedOut.CompareAndSwap(false, true) {
		metrics.IOTimeoutsTotal.WithLabelValues("read").Inc()
	}
	_ = c.Conn.Close()
}

func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.lastRead.Store(time.Now().UnixNano())
	}
	if err != nil {
		if c.timedOut.Load() {
			return n, errReadIdle{}
		}
		if isTimeout(err) {
			c.timedOut.Store(true)
			metrics.IOTimeoutsTotal.WithLabelValues("read").Inc()
		}
	}
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.timeouts.Write > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeouts.Write))
	}
	n, err := c.Conn.Write(b)
	if err != nil && isTimeout(err) {
		c.timedOut.Store(true)
		metrics.IOTimeoutsTotal.WithLabelValues("write").Inc()
	}
	return n, err
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
	c.mu.Unlock()
	return c.Conn.Close()
}

// TimedOut reports whether a read or write has ever hit its idle bound.
// A connection that timed out is unusable.
func (c *Conn) TimedOut() bool {
	return c.timedOut.Load()
}
