package node

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/danmuck/taskman/internal/observability"
	"github.com/danmuck/taskman/internal/protocol"
	"github.com/danmuck/taskman/internal/transport"
)

// Serve dispatches messages from the parent until the upstream link closes
// or ctx ends. Each request is handled on its own goroutine, so responses
// may leave in a different order than their requests arrived.
func (n *Node) Serve(ctx context.Context) error {
	if n.upstream == nil {
		return ErrNoUpstream
	}
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		n.inflight.Wait()
	}()

	msgs := n.upstream.Messages()
	faults := n.upstream.Faults()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				n.logger.Info().Msg("upstream closed")
				return nil
			}
			n.dispatch(ctx, msg)
		case err := <-faults:
			observability.RecordProtocolAnomaly(n.name, "upstream_fault")
			n.logger.Warn().Err(err).Msg("upstream fault")
		}
	}
}

func (n *Node) dispatch(ctx context.Context, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindPrivileged:
		n.inflight.Add(1)
		go func() {
			defer n.inflight.Done()
			result, err := n.control(ctx, msg.Destination, msg.Directive, msg.Data)
			n.reply(msg, result, err)
		}()
	case protocol.KindUser:
		n.inflight.Add(1)
		go func() {
			defer n.inflight.Done()
			result, err := n.handleLocalUser(ctx, msg.Event, msg.Data)
			n.reply(msg, result, err)
		}()
	case protocol.KindEvent:
		n.mu.RLock()
		h := n.onEvent
		n.mu.RUnlock()
		if h != nil {
			h("", msg)
		}
	case protocol.KindLog:
		n.logger.Info().Str("from", "parent").Msg(msg.Data.Text())
	case protocol.KindErrorLog:
		n.logger.Error().Str("from", "parent").Msg(msg.Data.Text())
	case protocol.KindResponse:
		observability.RecordProtocolAnomaly(n.name, "unsolicited_response")
		n.logger.Warn().Uint64("id", msg.ID).Msg("response from parent with no request outstanding")
	default:
		observability.RecordProtocolAnomaly(n.name, "unknown_kind")
		n.logger.Warn().Str("kind", msg.Kind.String()).Msg("unknown message kind from parent")
	}
}

// reply sends exactly one response for request msg.
func (n *Node) reply(msg protocol.Message, result json.RawMessage, err error) {
	resp := protocol.Response(msg.ID, result)
	if err != nil {
		resp = protocol.ErrorResponse(msg.ID, err)
		n.logger.Debug().Err(err).Uint64("id", msg.ID).Str("kind", msg.Kind.String()).Msg("request failed")
	}
	if serr := n.upstream.Send(resp); serr != nil {
		if errors.Is(serr, transport.ErrLinkClosed) {
			return
		}
		n.logger.Error().Err(serr).Uint64("id", msg.ID).Msg("response send failed")
	}
}
