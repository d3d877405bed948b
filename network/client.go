package network

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// BlockingClient is a blocking TCP client speaking a newline-delimited
// protocol with per-call timeouts.
type BlockingClient struct {
	conn     net.Conn
	rd       *bufio.Reader
	capacity int
}

// NewBlockingClientFromConn wraps an established connection, as happens when
// a subscriber attaches over an accepted session.
func NewBlockingClientFromConn(conn net.Conn, capacity int) *BlockingClient {
	return &BlockingClient{
		conn:     conn,
		rd:       bufio.NewReaderSize(conn, 64*1024),
		capacity: capacity,
	}
}

func (c *BlockingClient) Connect(host string, port uint16, timeout time.Duration) error {
	if c.conn != nil {
		return errors.New("client already connected")
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), timeout)
	if err != nil {
		return errors.Wrapf(err, "connect %s:%d", host, port)
	}
	c.conn = conn
	c.rd = bufio.NewReaderSize(conn, 64*1024)
	return nil
}

func (c *BlockingClient) WriteLine(line string) error {
	if c.conn == nil {
		return errors.New("client not connected")
	}
	_, err := c.conn.Write([]byte(line + "\n"))
	return errors.Wrap(err, "write line")
}

// ReadLine reads one line, stripping the trailing newline. Lines beyond the
// client's buffer capacity fail instead of growing without bound.
func (c *BlockingClient) ReadLine(timeout time.Duration) (string, error) {
	if c.conn == nil {
		return "", errors.New("client not connected")
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", errors.Wrap(err, "set read deadline")
	}
	defer c.conn.SetReadDeadline(time.Time{})

	var sb strings.Builder
	for {
		frag, err := c.rd.ReadString('\n')
		sb.WriteString(frag)
		if sb.Len() > c.capacity {
			return "", errors.Errorf("line exceeds capacity %d", c.capacity)
		}
		if err != nil {
			return "", errors.Wrap(err, "read line")
		}
		if strings.HasSuffix(frag, "\n") {
			break
		}
	}
	return strings.TrimRight(sb.String(), "\r\n"), nil
}

func (c *BlockingClient) RemoteRepr() string {
	if c.conn == nil {
		return "???"
	}
	return c.conn.RemoteAddr().String()
}

func (c *BlockingClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
