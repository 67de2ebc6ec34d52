// Package tunnel opens per-task network tunnels that expose a local SOCKS5
// endpoint for the browser driver to route through.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

const (
	defaultBinary       = "linksocks"
	defaultReadyTimeout = 15 * time.Second
	stopTimeout         = 5 * time.Second
	readyPollInterval   = 100 * time.Millisecond
)

// ErrExited is returned when the tunnel process exits before it is ready.
var ErrExited = errors.New("tunnel process exited")

// Tunnel is an open tunnel reachable at a local address.
type Tunnel interface {
	// Addr is the host:port of the local SOCKS5 listener.
	Addr() string
	Close() error
}

// Connector opens tunnels to a broker.
type Connector interface {
	Open(ctx context.Context, url, token string) (Tunnel, error)
}

// LinksocksConnector runs a linksocks client process per tunnel.
type LinksocksConnector struct {
	Binary       string
	Threads      int
	ReadyTimeout time.Duration
	Logger       *slog.Logger

	// command builds the process; replaced in tests.
	command func(name string, args ...string) *exec.Cmd
}

// NewLinksocksConnector creates a connector for the given binary path.
func NewLinksocksConnector(binary string, logger *slog.Logger) *LinksocksConnector {
	if binary == "" {
		binary = defaultBinary
	}
	return &LinksocksConnector{
		Binary:       binary,
		Threads:      1,
		ReadyTimeout: defaultReadyTimeout,
		Logger:       logger,
		command:      exec.Command,
	}
}

// Open starts "linksocks client" on a free local port and waits until the
// port accepts connections.
func (c *LinksocksConnector) Open(ctx context.Context, url, token string) (Tunnel, error) {
	if url == "" || token == "" {
		return nil, errors.New("linksocks url and token are required")
	}
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocate port: %w", err)
	}

	threads := c.Threads
	if threads < 1 {
		threads = 1
	}
	cmd := c.command(c.Binary, "client",
		"-t", token,
		"-u", url,
		"-T", strconv.Itoa(threads),
		"-p", strconv.Itoa(port),
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Binary, err)
	}

	t := &linksocksTunnel{
		cmd:    cmd,
		addr:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		exited: make(chan struct{}),
	}
	var pumps sync.WaitGroup
	pumps.Go(func() { c.pump(stdout, port) })
	pumps.Go(func() { c.pump(stderr, port) })
	go func() {
		// Wait must not run before the pipes are drained.
		pumps.Wait()
		t.waitErr = cmd.Wait()
		close(t.exited)
	}()

	timeout := c.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	if err := t.waitReady(ctx, timeout); err != nil {
		t.Close()
		return nil, err
	}
	c.logger().Debug("linksocks tunnel ready", "addr", t.addr)
	return t, nil
}

func (c *LinksocksConnector) pump(r io.Reader, port int) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		c.logger().Debug("[linksocks] "+sc.Text(), "port", port)
	}
}

func (c *LinksocksConnector) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

type linksocksTunnel struct {
	cmd     *exec.Cmd
	addr    string
	exited  chan struct{}
	waitErr error
	once    sync.Once
}

func (t *linksocksTunnel) Addr() string { return t.addr }

func (t *linksocksTunnel) waitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(readyPollInterval)
	defer tick.Stop()

	for {
		conn, err := net.DialTimeout("tcp", t.addr, readyPollInterval)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-t.exited:
			return fmt.Errorf("%w: %v", ErrExited, t.waitErr)
		case <-deadline.C:
			return fmt.Errorf("tunnel not ready on %s after %s", t.addr, timeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Close terminates the process, escalating to SIGKILL after stopTimeout.
func (t *linksocksTunnel) Close() error {
	t.once.Do(func() {
		select {
		case <-t.exited:
			return
		default:
		}
		_ = t.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-t.exited:
		case <-time.After(stopTimeout):
			_ = t.cmd.Process.Kill()
			<-t.exited
		}
	})
	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
