package rtsp

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Conn is the TCP framing layer for one RTSP connection: it writes raw
// request bytes, parses responses off the wire in a background reader
// task, and hands them to callers through an ordered FIFO queue. This is
// C6 in the component design. It may be closed and reopened at any time;
// callers must Open before Send.
type Conn struct {
	addr string
	log  zerolog.Logger

	mu      sync.Mutex
	netConn net.Conn

	responses chan *Response
	readerErr chan error
}

// NewConn builds a connection to addr ("host:port"); it does not dial
// until Open is called.
func NewConn(addr string, log zerolog.Logger) *Conn {
	return &Conn{
		addr:      addr,
		log:       log.With().Str("category", "RTSP").Logger(),
		responses: make(chan *Response, 8),
		readerErr: make(chan error, 1),
	}
}

// Open dials the connection and starts the background response reader.
func (c *Conn) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.netConn != nil {
		return nil
	}

	nc, err := net.DialTimeout("tcp", c.addr, DefaultTimeout)
	if err != nil {
		return fmt.Errorf("rtsp: dial %s: %w", c.addr, err)
	}
	c.netConn = nc

	go c.readLoop(nc)
	return nil
}

// Close tears the TCP connection down. Safe to call multiple times.
func (c *Conn) Close() error {
	c.mu.Lock()
	nc := c.netConn
	c.netConn = nil
	c.mu.Unlock()

	if nc == nil {
		return nil
	}
	return nc.Close()
}

// IsOpen reports whether the socket is currently connected.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.netConn != nil
}

func (c *Conn) readLoop(nc net.Conn) {
	r := bufio.NewReader(nc)
	for {
		resp, err := readResponse(r)
		if err != nil {
			c.log.Debug().Err(err).Msg("rtsp response reader stopped")
			select {
			case c.readerErr <- err:
			default:
			}
			return
		}
		select {
		case c.responses <- resp:
		default:
			// Queue full: drop the oldest to make room rather than block
			// the reader and stall the whole connection.
			<-c.responses
			c.responses <- resp
		}
	}
}

// SendRequest writes raw request bytes to the socket.
func (c *Conn) SendRequest(data []byte) error {
	c.mu.Lock()
	nc := c.netConn
	c.mu.Unlock()

	if nc == nil {
		return fmt.Errorf("rtsp: send on closed connection")
	}
	_, err := nc.Write(data)
	if err != nil {
		return fmt.Errorf("rtsp: write request: %w", err)
	}
	return nil
}

// GetResponse blocks up to timeout for the next queued response.
func (c *Conn) GetResponse(timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-c.responses:
		return resp, nil
	case err := <-c.readerErr:
		return nil, fmt.Errorf("rtsp: connection closed: %w", err)
	case <-timer.C:
		return nil, errTimeout
	}
}
