package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/blockcache/pkg/message"
)

// TCPConfig describes how a rank reaches every other rank in the mesh.
type TCPConfig struct {
	// Rank is this participant's own rank.
	Rank int
	// World is the total participant count.
	World int
	// Listen is the address this rank accepts connections on (e.g. ":9000").
	Listen string
	// Peers maps every other rank to its dialable address. A rank only
	// needs entries for peers it initiates connections to (see Start below).
	Peers map[int]string
}

// TCPFabric is a Transport that carries Messages over one persistent TCP
// connection per peer pair, framed with the wire header from pkg/message.
// It satisfies the same ordering guarantee as Fabric: TCP itself is ordered
// per connection, and each (src, dest) pair uses exactly one connection.
type TCPFabric struct {
	cfg   TCPConfig
	inbox *inbox

	listener net.Listener
	group    *errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc

	connsMu sync.Mutex
	conns   map[int]*tcpConn
}

type tcpConn struct {
	writeMu sync.Mutex
	conn    net.Conn
}

// NewTCPFabric constructs a TCPFabric but does not yet listen or dial; call
// Start to bring the mesh up.
func NewTCPFabric(cfg TCPConfig) *TCPFabric {
	return &TCPFabric{
		cfg:   cfg,
		inbox: newInbox(),
		conns: make(map[int]*tcpConn),
	}
}

func (f *TCPFabric) Rank() int      { return f.cfg.Rank }
func (f *TCPFabric) WorldSize() int { return f.cfg.World }

// Start opens the listener, accepts inbound handshakes, and dials every
// lower-ranked peer this rank is configured to reach. Every connection
// begins with a 4-byte little-endian rank handshake so the accepting side
// learns which rank just connected.
func (f *TCPFabric) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", f.cfg.Listen)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", f.cfg.Listen, err)
	}
	f.listener = ln

	f.ctx, f.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(f.ctx)
	f.group = g

	g.Go(func() error { return f.acceptLoop(gctx) })

	// Dial peers with a lower rank than ours, by convention, so each pair
	// establishes exactly one connection regardless of which side initiates.
	for rank, addr := range f.cfg.Peers {
		if rank >= f.cfg.Rank {
			continue
		}
		rank, addr := rank, addr
		g.Go(func() error { return f.dial(gctx, rank, addr) })
	}
	return nil
}

func (f *TCPFabric) acceptLoop(ctx context.Context) error {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		conn := conn
		f.group.Go(func() error { return f.handshakeInbound(ctx, conn) })
	}
}

func (f *TCPFabric) handshakeInbound(ctx context.Context, conn net.Conn) error {
	var rankBuf [4]byte
	if _, err := io.ReadFull(conn, rankBuf[:]); err != nil {
		conn.Close()
		return fmt.Errorf("transport: handshake read: %w", err)
	}
	remoteRank := int(binary.LittleEndian.Uint32(rankBuf[:]))
	f.registerConn(remoteRank, conn)
	return f.readLoop(ctx, conn)
}

func (f *TCPFabric) dial(ctx context.Context, rank int, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: dial rank %d at %s: %w", rank, addr, err)
	}
	var rankBuf [4]byte
	binary.LittleEndian.PutUint32(rankBuf[:], uint32(f.cfg.Rank))
	if _, err := conn.Write(rankBuf[:]); err != nil {
		conn.Close()
		return fmt.Errorf("transport: handshake write to rank %d: %w", rank, err)
	}
	f.registerConn(rank, conn)
	return f.readLoop(ctx, conn)
}

func (f *TCPFabric) registerConn(rank int, conn net.Conn) {
	f.connsMu.Lock()
	f.conns[rank] = &tcpConn{conn: conn}
	f.connsMu.Unlock()
}

func (f *TCPFabric) readLoop(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	header := make([]byte, message.HeaderSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: read header: %w", err)
		}
		payloadSize := binary.LittleEndian.Uint32(header[16:20])
		frame := make([]byte, message.HeaderSize+int(payloadSize))
		copy(frame, header)
		if payloadSize > 0 {
			if _, err := io.ReadFull(conn, frame[message.HeaderSize:]); err != nil {
				return fmt.Errorf("transport: read payload: %w", err)
			}
		}
		msg, err := message.Decode(frame)
		if err != nil {
			return fmt.Errorf("transport: decode frame: %w", err)
		}
		f.inbox.push(message.CloneIfBorrowed(msg))
	}
}

// ConnectedPeers reports how many distinct ranks this fabric currently holds
// a live connection to.
func (f *TCPFabric) ConnectedPeers() int {
	f.connsMu.Lock()
	defer f.connsMu.Unlock()
	return len(f.conns)
}

// WaitForPeers blocks until at least n peers are connected or ctx is done.
// Start dials/accepts asynchronously, so callers that need every peer up
// before sending their first frame should call this first.
func (f *TCPFabric) WaitForPeers(ctx context.Context, n int) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if f.ConnectedPeers() >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("transport: waiting for %d peers: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (f *TCPFabric) connFor(destRank int) (*tcpConn, error) {
	f.connsMu.Lock()
	c, ok := f.conns[destRank]
	f.connsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: no connection to rank %d", destRank)
	}
	return c, nil
}

func (f *TCPFabric) Send(ctx context.Context, msg *message.Message, destRank int) error {
	c, err := f.connFor(destRank)
	if err != nil {
		return err
	}
	msg.SourceRank = uint32(f.cfg.Rank)
	wire := message.Encode(msg, nil)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	if _, err := c.conn.Write(wire); err != nil {
		return fmt.Errorf("transport: send to rank %d: %w", destRank, err)
	}
	return nil
}

func (f *TCPFabric) Recv(ctx context.Context, srcRank int, tag message.Tag) (*message.Message, error) {
	return f.inbox.take(ctx, srcRank, tag)
}

func (f *TCPFabric) RecvNonblockingBegin(srcRank int, tag message.Tag) PendingRecv {
	p := &fabricPending{result: make(chan pendingResult, 1)}
	go func() {
		msg, err := f.inbox.take(context.Background(), srcRank, tag)
		p.result <- pendingResult{msg, err}
	}()
	return p
}

// Close shuts down the listener, cancels all background goroutines, and
// waits for them to exit.
func (f *TCPFabric) Close() error {
	if f.cancel != nil {
		f.cancel()
	}
	if f.listener != nil {
		f.listener.Close()
	}
	f.connsMu.Lock()
	for _, c := range f.conns {
		c.conn.Close()
	}
	f.connsMu.Unlock()
	f.inbox.close()
	if f.group != nil {
		_ = f.group.Wait()
	}
	return nil
}
