//go:build linux

// Package daemon implements the long-lived sampling process and the short-
// lived client that attaches to it: the Daemon owns the ticker-paced sample
// loop and fans each tick out to every attached client as the subtree loads
// for that client's own root PIDs; the Client finds or starts a Daemon,
// registers its roots, and turns incoming ticks into printed lines.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ja7ad/pidtree_mon/pkg/forest"
	"github.com/ja7ad/pidtree_mon/pkg/ipc"
	"github.com/ja7ad/pidtree_mon/pkg/procfs"
)

// maxConsecutiveSnapshotFailures bounds how many ticks in a row the daemon
// tolerates a failed snapshot before treating it as a WorkerFailure: one
// torn tick is expected and skipped, but /proc never recovering is
// daemon-fatal, not something attached clients should wait on forever.
const maxConsecutiveSnapshotFailures = 3

// client is a registered connection: its root PIDs and the socket it
// expects ticks on.
type client struct {
	id    uint64
	conn  net.Conn
	roots []procfs.PID
}

// Daemon accepts client connections on a listener, samples the process
// forest on a fixed interval, and fans each tick out to every attached
// client as that client's own subtree loads. It has no state of interest
// once Run returns: the listener and every live connection are closed
// before Run gives back control.
type Daemon struct {
	ln               net.Listener
	reader           procfs.Reader
	interval         time.Duration
	logger           *slog.Logger
	snapshotFailures int
}

// New constructs a Daemon that owns ln: Run closes it on return.
func New(ln net.Listener, reader procfs.Reader, interval time.Duration, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{ln: ln, reader: reader, interval: interval, logger: logger}
}

// Run drives the accept loop and the tick loop until ctx is canceled, the
// listener fails, or a tick fires while no client is attached after at
// least one has been: the daemon exits at the first tick following the
// last client's departure.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.ln.Close()

	sampler := forest.NewSampler(d.reader)

	accept := make(chan *client)
	deregister := make(chan uint64)
	acceptErr := make(chan error, 1)

	go d.acceptLoop(ctx, accept, deregister, acceptErr)

	clients := make(map[uint64]*client)
	hadClient := false

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			closeAll(clients)
			return nil

		case err := <-acceptErr:
			closeAll(clients)
			return err

		case c := <-accept:
			clients[c.id] = c
			hadClient = true
			d.logger.Debug("client attached", "id", c.id, "roots", c.roots)

		case id := <-deregister:
			if c, ok := clients[id]; ok {
				_ = c.conn.Close()
				delete(clients, id)
				d.logger.Debug("client detached", "id", id)
			}

		case <-ticker.C:
			if hadClient && len(clients) == 0 {
				d.logger.Info("no clients remain, exiting")
				return nil
			}
			if len(clients) == 0 {
				continue
			}
			if err := d.tick(sampler, clients); err != nil {
				closeAll(clients)
				return fmt.Errorf("%w: %v", ErrWorkerFailure, err)
			}
		}
	}
}

// tick samples the forest once and fans the result out to every client. A
// single failed snapshot is logged and skipped; maxConsecutiveSnapshotFailures
// in a row escalates to a WorkerFailure that shuts the daemon down.
func (d *Daemon) tick(sampler *forest.Sampler, clients map[uint64]*client) error {
	snap, loads, err := sampler.Tick()
	if err != nil {
		d.snapshotFailures++
		d.logger.Warn("sample failed, skipping tick", "err", err, "consecutive", d.snapshotFailures)
		if d.snapshotFailures >= maxConsecutiveSnapshotFailures {
			return err
		}
		return nil
	}
	d.snapshotFailures = 0

	for id, c := range clients {
		result := forest.Aggregate(snap, loads, c.roots)
		if err := ipc.WriteTick(c.conn, result); err != nil {
			d.logger.Debug("client write failed, dropping", "id", id, "err", err)
			_ = c.conn.Close()
			delete(clients, id)
		}
	}
	return nil
}

// acceptLoop accepts connections, performs the one-shot registration
// handshake (read roots, write CPU count), and hands live clients to Run
// over accept. A connection is watched for disconnection in its own
// goroutine, since a client never writes anything after registering.
func (d *Daemon) acceptLoop(ctx context.Context, accept chan<- *client, deregister chan<- uint64, errs chan<- error) {
	var nextID uint64
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			errs <- err
			return
		}

		nextID++
		id := nextID
		go d.handshake(ctx, id, conn, accept, deregister)
	}
}

func (d *Daemon) handshake(ctx context.Context, id uint64, conn net.Conn, accept chan<- *client, deregister chan<- uint64) {
	roots, err := ipc.ReadRoots(conn)
	if err != nil || len(roots) == 0 {
		_ = conn.Close()
		return
	}
	if err := ipc.WriteCPUCount(conn, d.reader.LogicalCPUCount()); err != nil {
		_ = conn.Close()
		return
	}

	c := &client{id: id, conn: conn, roots: roots}
	select {
	case accept <- c:
	case <-ctx.Done():
		_ = conn.Close()
		return
	}

	// The client never sends anything else; a Read here only ever returns
	// once the connection is gone.
	buf := make([]byte, 1)
	_, _ = conn.Read(buf)
	select {
	case deregister <- id:
	case <-ctx.Done():
	}
}

func closeAll(clients map[uint64]*client) {
	for _, c := range clients {
		_ = c.conn.Close()
	}
}
