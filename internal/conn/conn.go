// Package conn implements the per-connection state machine described in
// §4.2: role negotiation between camera and dispatcher, an optional
// one-shot heartbeat schedule, and the routing of decoded messages into
// the Region and of Region-sourced tickets back out onto the wire.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/protohackers/speed-server/internal/metrics"
	"github.com/protohackers/speed-server/internal/region"
	"github.com/protohackers/speed-server/internal/wire"
)

type role int

const (
	roleUnidentified role = iota
	roleCamera
	roleDispatcher
)

// Region is the subset of *region.Region a connection needs; narrowed to
// an interface so tests can supply a fake.
type Region interface {
	RecordPlate(camera region.Camera, plate string, timestamp region.Timestamp)
	RegisterDispatcher(d region.Dispatcher) <-chan region.Ticket
}

// Conn drives one accepted TCP stream end to end: decoding inbound
// messages, running its state machine, and writing outbound tickets and
// heartbeats. One Conn is created per accepted connection and its Serve
// method owns that connection's lifetime.
type Conn struct {
	id           uint64
	nc           net.Conn
	region       Region
	logger       *slog.Logger
	readDeadline time.Duration

	camera  region.Camera
	writeMu sync.Mutex
}

// Option configures a Conn at construction, mirroring the teacher's
// functional-option style for Server.
type Option func(*Conn)

// WithReadDeadline sets the per-read deadline refreshed before every
// decode; an idle connection beyond this is treated as an I/O error.
func WithReadDeadline(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.readDeadline = d
		}
	}
}

// WithLogger overrides the connection's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

const defaultReadDeadline = 2 * time.Minute

// New constructs a Conn for an already-accepted net.Conn.
func New(id uint64, nc net.Conn, rg Region, opts ...Option) *Conn {
	c := &Conn{
		id:           id,
		nc:           nc,
		region:       rg,
		readDeadline: defaultReadDeadline,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Serve runs the connection until it closes, either because the peer
// disconnected, because of a protocol error, or because ctx was
// cancelled. It always closes the underlying net.Conn before returning.
func (c *Conn) Serve(ctx context.Context) {
	defer func() { _ = c.nc.Close() }()

	done := make(chan struct{})
	heartbeatCh := make(chan time.Duration, 1)
	dispatcherCh := make(chan (<-chan region.Ticket), 1)

	var pumpWG sync.WaitGroup
	pumpWG.Add(1)
	go func() {
		defer pumpWG.Done()
		c.pump(ctx, done, heartbeatCh, dispatcherCh)
	}()
	defer pumpWG.Wait()
	defer close(done)

	r := wire.NewReader(c.nc)
	state := roleUnidentified
	heartbeatConfigured := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = c.nc.SetReadDeadline(time.Now().Add(c.readDeadline))
		msg, err := wire.Decode(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return
			}
			if errors.Is(err, wire.ErrUnknownTag) {
				metrics.IncMalformed()
				c.protocolError("unknown message type")
				return
			}
			c.logger.Debug("conn_io_error", "conn_id", c.id, "error", err)
			return
		}

		if msg.Tag == wire.TagWantHeartbeat {
			if heartbeatConfigured {
				c.protocolError("already beating")
				return
			}
			heartbeatConfigured = true
			select {
			case heartbeatCh <- time.Duration(msg.Deciseconds) * 100 * time.Millisecond:
			case <-ctx.Done():
				return
			}
			continue
		}

		switch state {
		case roleUnidentified:
			switch msg.Tag {
			case wire.TagIAmCamera:
				state = roleCamera
				c.camera = region.Camera{Road: msg.Road, Mile: msg.Mile, Limit: msg.Limit}
				metrics.IncCameraIdentified()
				c.logger.Info("role_identified", "conn_id", c.id, "role", "camera", "road", msg.Road, "mile", msg.Mile, "limit", msg.Limit)
			case wire.TagIAmDispatcher:
				state = roleDispatcher
				d := region.Dispatcher{Roads: dedupRoads(msg.Roads)}
				metrics.IncDispatcherIdentified()
				c.logger.Info("role_identified", "conn_id", c.id, "role", "dispatcher", "roads", d.Roads)
				ticketCh := c.region.RegisterDispatcher(d)
				select {
				case dispatcherCh <- ticketCh:
				case <-ctx.Done():
					return
				}
			default:
				c.protocolError("invalid message")
				return
			}
		case roleCamera:
			switch msg.Tag {
			case wire.TagPlate:
				c.region.RecordPlate(c.camera, msg.Plate, msg.Timestamp)
			default:
				c.protocolError("invalid camera message")
				return
			}
		case roleDispatcher:
			c.protocolError("invalid dispatcher message")
			return
		}
	}
}

func (c *Conn) protocolError(reason string) {
	metrics.IncProtocolError(reason)
	c.logger.Warn("protocol_error", "conn_id", c.id, "reason", reason)
	_ = c.writeMessage(wire.ErrorMessage(reason))
}

// pump owns every write the Region or the heartbeat timer originate:
// tickets and heartbeats. It runs for the connection's lifetime alongside
// the reader loop in Serve, synchronized through the shared writeMu so a
// protocol-error write from the reader never interleaves with a ticket or
// heartbeat write.
func (c *Conn) pump(ctx context.Context, done <-chan struct{}, heartbeatCh <-chan time.Duration, dispatcherCh <-chan (<-chan region.Ticket)) {
	var ticker *time.Ticker
	var tickerC <-chan time.Time
	var ticketCh <-chan region.Ticket
	heartbeatSilent := false
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()
	for {
		select {
		case d := <-heartbeatCh:
			if d == 0 {
				heartbeatSilent = true
				continue
			}
			if ticker != nil {
				ticker.Stop()
			}
			ticker = time.NewTicker(d)
			tickerC = ticker.C
		case ch := <-dispatcherCh:
			ticketCh = ch
		case <-tickerC:
			if !heartbeatSilent {
				_ = c.writeMessage(wire.HeartbeatMessage())
				metrics.IncHeartbeatSent()
			}
		case ticket, ok := <-ticketCh:
			if !ok {
				ticketCh = nil
				continue
			}
			_ = c.writeMessage(wire.TicketMessage(wire.Ticket{
				Plate: ticket.Plate, Road: ticket.Road, Mile1: ticket.Mile1,
				Timestamp1: ticket.Timestamp1, Mile2: ticket.Mile2,
				Timestamp2: ticket.Timestamp2, Speed: ticket.Speed,
			}))
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) writeMessage(m wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.Encode(c.nc, m); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func dedupRoads(roads []region.Road) []region.Road {
	if len(roads) < 2 {
		return roads
	}
	seen := make(map[region.Road]struct{}, len(roads))
	out := make([]region.Road, 0, len(roads))
	for _, r := range roads {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
