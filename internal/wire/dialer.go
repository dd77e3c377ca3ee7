package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultTimeout bounds a whole request when the context has no deadline.
const DefaultTimeout = 30 * time.Second

// Dialer opens request connections to peers.
// Thread-safe: a Dialer holds no per-connection state.
type Dialer struct {
	dialer  proxy.Dialer
	timeout time.Duration
}

// NewDialer returns a dialer connecting directly, or through the SOCKS5 proxy
// given as a "socks5://host:port" URL.
//
// Example:
//
//	d, err := wire.NewDialer("socks5://127.0.0.1:9050", 10*time.Second)
func NewDialer(socksURL string, timeout time.Duration) (*Dialer, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	forward := &net.Dialer{Timeout: timeout}
	d := &Dialer{dialer: forward, timeout: timeout}
	if socksURL == "" {
		return d, nil
	}
	u, err := url.Parse(socksURL)
	if err != nil {
		return nil, fmt.Errorf("parse socks proxy: %w", err)
	}
	pd, err := proxy.FromURL(u, forward)
	if err != nil {
		return nil, fmt.Errorf("socks proxy %s: %w", socksURL, err)
	}
	d.dialer = pd
	return d, nil
}

// Dial opens a TCP connection to addr. The connection deadline follows ctx,
// or the dialer timeout when ctx has none.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	if cd, ok := d.dialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(d.timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (d *Dialer) request(ctx context.Context, addr string, env *Envelope, body io.Reader) (net.Conn, *bufio.Reader, error) {
	conn, err := d.Dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	bw := bufio.NewWriter(conn)
	if err := WriteEnvelope(bw, env); err != nil {
		conn.Close()
		return nil, nil, err
	}
	if body != nil {
		if _, err := io.Copy(bw, body); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}
	if err := bw.Flush(); err != nil {
		conn.Close()
		return nil, nil, err
	}
	if tc, ok := conn.(interface{ CloseWrite() error }); ok && body != nil {
		tc.CloseWrite()
	}
	return conn, bufio.NewReader(conn), nil
}

// Send delivers a NOTIFY or HAVE envelope and waits for the status line.
func (d *Dialer) Send(ctx context.Context, addr string, env *Envelope) error {
	conn, br, err := d.request(ctx, addr, env, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	return ReadStatus(br)
}

// Upload sends an UPLOAD envelope followed by the archive bytes.
func (d *Dialer) Upload(ctx context.Context, addr string, env *Envelope, body io.Reader) error {
	conn, br, err := d.request(ctx, addr, env, body)
	if err != nil {
		return err
	}
	defer conn.Close()
	return ReadStatus(br)
}

// Query sends a QUERY envelope and parses the reply line.
func (d *Dialer) Query(ctx context.Context, addr string, env *Envelope) (Reply, error) {
	conn, br, err := d.request(ctx, addr, env, nil)
	if err != nil {
		return Reply{}, err
	}
	defer conn.Close()
	return ReadReply(br)
}

// Status sends a STATUS envelope and decodes the JSON answer into out.
func (d *Dialer) Status(ctx context.Context, addr string, env *Envelope, out any) error {
	conn, br, err := d.request(ctx, addr, env, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	return json.NewDecoder(br).Decode(out)
}
