// Package session runs the per-client state machine: two framed message
// streams (client and upstream) multiplexed through the inflight table, the
// subscriptions registry, and the session's mergebox.
package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/syncrouter/syncrouter/internal/ddp"
	"github.com/syncrouter/syncrouter/internal/inflight"
	"github.com/syncrouter/syncrouter/internal/mergebox"
	"github.com/syncrouter/syncrouter/internal/metrics"
	"github.com/syncrouter/syncrouter/internal/rerror"
	"github.com/syncrouter/syncrouter/internal/subscriptions"
	"github.com/syncrouter/syncrouter/internal/transport"
)

// outboundBuffer bounds each leg's write queue. A client that cannot drain
// this many frames is torn down rather than allowed to stall cursors.
const outboundBuffer = 256

// Session is one client connection and its upstream counterpart.
type Session struct {
	id  string
	log zerolog.Logger

	client   *transport.Conn
	upstream *transport.Conn

	inflights *inflight.Table
	mergebox  *mergebox.Mergebox
	registry  *subscriptions.Registry
	limiter   *rate.Limiter

	clientOut   chan []byte
	upstreamOut chan []byte
}

// New wires a session together. inboundRate bounds client messages per
// second; zero disables the limit.
func New(id string, client, upstream *transport.Conn, registry *subscriptions.Registry, inboundRate int, log zerolog.Logger) *Session {
	s := &Session{
		id:          id,
		log:         log.With().Str("session_id", id).Logger(),
		client:      client,
		upstream:    upstream,
		inflights:   inflight.NewTable(),
		registry:    registry,
		clientOut:   make(chan []byte, outboundBuffer),
		upstreamOut: make(chan []byte, outboundBuffer),
	}
	if inboundRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(inboundRate), inboundRate)
	}
	s.mergebox = mergebox.New(s.log, func(msg ddp.Message) error {
		data, err := msg.Encode()
		if err != nil {
			return err
		}
		return s.sendClient(data)
	})
	return s
}

// Run pumps both legs until either stream ends or a pump fails, then tears
// the session down. Registered subscriptions are released even on the error
// path so shared cursors wind down deterministically.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.registry.StopAll(s.id)

	errCh := make(chan error, 4)

	go s.writeLoop(ctx, s.client, s.clientOut, errCh)
	go s.writeLoop(ctx, s.upstream, s.upstreamOut, errCh)
	go func() { errCh <- s.clientPump(ctx) }()
	go func() { errCh <- s.serverPump(ctx) }()

	err := <-errCh
	cancel()

	// Closing both sockets unblocks the reads the other pumps are parked on.
	_ = s.client.Close()
	_ = s.upstream.Close()

	if err != nil {
		s.log.Info().Err(err).Msg("session ended")
	} else {
		s.log.Info().Msg("session ended")
	}
	return err
}

func (s *Session) writeLoop(ctx context.Context, conn *transport.Conn, out <-chan []byte, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-out:
			if err := conn.WriteMessage(data); err != nil {
				errCh <- rerror.Wrap(rerror.KindIO, err, "frame write failed")
				return
			}
		}
	}
}

func (s *Session) sendClient(data []byte) error {
	select {
	case s.clientOut <- data:
		return nil
	default:
		metrics.RecordError(string(rerror.KindSendFailure), metrics.SeverityCritical)
		return rerror.New(rerror.KindSendFailure, "client send buffer full")
	}
}

func (s *Session) sendUpstream(data []byte) error {
	select {
	case s.upstreamOut <- data:
		return nil
	default:
		metrics.RecordError(string(rerror.KindSendFailure), metrics.SeverityCritical)
		return rerror.New(rerror.KindSendFailure, "upstream send buffer full")
	}
}

func (s *Session) sendClientMessage(msg ddp.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.sendClient(data)
}

func (s *Session) sendUpstreamMessage(msg ddp.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.sendUpstream(data)
}

// clientPump relays client frames upstream, intercepting subscription
// management.
func (s *Session) clientPump(ctx context.Context) error {
	for {
		data, err := s.client.ReadMessage()
		if err != nil {
			return rerror.Wrap(rerror.KindIO, err, "client read failed")
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		msg, parseErr := ddp.Parse(data)
		if parseErr != nil {
			// Not ours to understand; the upstream gets it verbatim.
			s.log.Debug().Err(parseErr).Msg("forwarding unparseable client frame")
			if err := s.sendUpstream(data); err != nil {
				return err
			}
			continue
		}

		switch msg.Msg {
		case ddp.MsgSub:
			if s.registry.IsServerSubscription(msg.Name) {
				if err := s.sendUpstream(data); err != nil {
					return err
				}
				continue
			}
			// Rewrite the subscription as a remote procedure call the
			// upstream resolves to a list of cursor descriptions.
			s.inflights.Register(msg.ID, msg.Name, msg.Params)
			method := ddp.MethodCall(msg.ID, ddp.MethodPrefix+msg.Name, msg.Params)
			if err := s.sendUpstreamMessage(method); err != nil {
				return err
			}

		case ddp.MsgUnsub:
			if s.registry.Stop(s.id, msg.ID) {
				if err := s.sendClientMessage(ddp.Nosub(msg.ID, nil)); err != nil {
					return err
				}
				continue
			}
			if err := s.sendUpstream(data); err != nil {
				return err
			}

		default:
			if err := s.sendUpstream(data); err != nil {
				return err
			}
		}
	}
}

// serverPump relays upstream frames to the client, unwinding rewritten
// subscriptions and reconciling data messages through the mergebox.
func (s *Session) serverPump(ctx context.Context) error {
	for {
		data, err := s.upstream.ReadMessage()
		if err != nil {
			return rerror.Wrap(rerror.KindIO, err, "upstream read failed")
		}

		msg, parseErr := ddp.Parse(data)
		if parseErr != nil {
			s.log.Debug().Err(parseErr).Msg("forwarding unparseable upstream frame")
			if err := s.sendClient(data); err != nil {
				return err
			}
			continue
		}

		switch msg.Msg {
		case ddp.MsgResult:
			if err := s.handleResult(msg, data); err != nil {
				return err
			}

		case ddp.MsgUpdated:
			kept := msg.Methods[:0:0]
			for _, id := range msg.Methods {
				if !s.inflights.ProcessUpdate(id) {
					kept = append(kept, id)
				}
			}
			if len(kept) == 0 {
				continue
			}
			if err := s.sendClientMessage(ddp.Updated(kept)); err != nil {
				return err
			}

		case ddp.MsgAdded:
			if err := s.mergebox.ServerAdded(msg.Collection, msg.DocID, msg.Fields); err != nil {
				return err
			}

		case ddp.MsgChanged:
			if err := s.mergebox.ServerChanged(msg.Collection, msg.DocID, msg.Fields, msg.Cleared); err != nil {
				return err
			}

		case ddp.MsgRemoved:
			if err := s.mergebox.ServerRemoved(msg.Collection, msg.DocID); err != nil {
				return err
			}

		default:
			// AddedBefore / MovedBefore included: ordering extensions are
			// forwarded, never reconciled.
			if err := s.sendClient(data); err != nil {
				return err
			}
		}
	}
}

// handleResult unwinds the reply to a rewritten subscription, or forwards an
// ordinary method result untouched.
func (s *Session) handleResult(msg ddp.Message, raw []byte) error {
	inf, intercepted := s.inflights.ProcessResult(msg.ID)
	if !intercepted {
		return s.sendClient(raw)
	}

	err := s.registry.Start(s.id, s.mergebox, inf, msg.ID, msg.Error, msg.Result)
	if err == nil {
		return s.sendClientMessage(ddp.Ready(msg.ID))
	}

	kind := rerror.KindOf(err)
	metrics.RecordError(string(kind), metrics.SeverityWarning)
	if kind == rerror.KindNotRegistered {
		s.log.Info().Str("name", inf.Name).Msg("publication not registered locally, falling back to upstream")
	} else {
		s.log.Warn().Err(err).Str("name", inf.Name).Msg("interception failed, falling back to upstream")
	}

	// Give interception up: subscribe upstream on the client's behalf.
	return s.sendUpstreamMessage(ddp.Sub(msg.ID, inf.Name, inf.Params))
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// String implements fmt.Stringer for logging.
func (s *Session) String() string {
	return fmt.Sprintf("session %s", s.id)
}
