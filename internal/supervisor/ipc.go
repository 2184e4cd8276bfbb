package supervisor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

const (
	// frameHeaderSize is the size of the length prefix (uint32 big-endian).
	frameHeaderSize = 4
	maxFramePayload = 64 << 10
	dialTimeout     = 5 * time.Second
	readTimeout     = 30 * time.Second
)

// Signal is a message from the child to the supervisor.
type Signal string

// Reboot asks the supervisor to kill and relaunch the child.
const Reboot Signal = "reboot"

// writeFrame writes a length-prefixed frame: [4 bytes big-endian length][payload].
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFramePayload {
		return fmt.Errorf("supervisor: frame payload too large (%d > %d)", len(data), maxFramePayload)
	}
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if conn, ok := w.(net.Conn); ok {
		bufs := net.Buffers{header[:], data}
		_, err := bufs.WriteTo(conn)
		return err
	}
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readFrame reads a single length-prefixed frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return []byte{}, nil
	}
	if length > maxFramePayload {
		return nil, fmt.Errorf("supervisor: frame too large (%d > %d)", length, maxFramePayload)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Listener is the supervisor end of the IPC channel. Every child generation
// dials it anew.
type Listener struct {
	addr     string
	listener net.Listener
	logger   *log.Logger
	wg       sync.WaitGroup
}

// Listen opens the IPC channel at path.
func Listen(path string, logger *log.Logger) (*Listener, error) {
	if logger == nil {
		logger = log.Default()
	}
	addr, l, err := createIPCSocket(path)
	if err != nil {
		return nil, err
	}
	return &Listener{addr: addr, listener: l, logger: logger}, nil
}

// Addr is the address children dial, passed to them in HOSTD_IPC_SOCKET.
func (l *Listener) Addr() string { return l.addr }

// Serve accepts connections and calls handle for every signal until ctx is
// cancelled.
func (l *Listener) Serve(ctx context.Context, handle func(Signal)) error {
	stop := context.AfterFunc(ctx, func() { l.listener.Close() })
	defer stop()
	defer l.wg.Wait()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("supervisor: accept IPC connection: %w", err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(ctx, conn, handle)
		}()
	}
}

func (l *Listener) serveConn(ctx context.Context, conn net.Conn, handle func(Signal)) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		payload, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				var ne net.Error
				if !errors.As(err, &ne) || !ne.Timeout() {
					l.logger.Printf("[Supervisor] IPC read: %v", err)
				}
			}
			return
		}
		sig := Signal(payload)
		if sig != Reboot {
			l.logger.Printf("[Supervisor] ignoring unknown IPC signal %q", sig)
			continue
		}
		handle(sig)
	}
}

// Close stops accepting and removes the socket file.
func (l *Listener) Close() error {
	err := l.listener.Close()
	cleanupSocket(l.addr)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// SignalChannel is the child end of the IPC channel.
type SignalChannel struct {
	addr string
}

// NewSignalChannel returns a channel to the supervisor listening at addr.
func NewSignalChannel(addr string) *SignalChannel {
	return &SignalChannel{addr: addr}
}

// Send delivers sig to the supervisor.
func (c *SignalChannel) Send(ctx context.Context, sig Signal) error {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, ipcNetwork, c.addr)
	if err != nil {
		return fmt.Errorf("supervisor: dial %s: %w", c.addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := writeFrame(conn, []byte(sig)); err != nil {
		return fmt.Errorf("supervisor: send %s: %w", sig, err)
	}
	return nil
}

// Restart asks the supervisor for a reboot.
func (c *SignalChannel) Restart(ctx context.Context) error {
	return c.Send(ctx, Reboot)
}
