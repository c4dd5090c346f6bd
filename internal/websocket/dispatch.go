package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tullo/livecore/internal/chat"
	"github.com/tullo/livecore/internal/gift"
	"github.com/tullo/livecore/internal/lifecycle"
	"github.com/tullo/livecore/internal/logger"
	"github.com/tullo/livecore/internal/models"
	"github.com/tullo/livecore/internal/signaling"
)

// Router is the per-connection dispatch loop body: it decodes one inbound
// message, calls the owning component and delivers whatever that component
// asks to publish. It is also the publish path for components acting
// outside a connection (HTTP handlers, timeout reaps).
type Router struct {
	hub     *Hub
	streams *lifecycle.Manager
	relay   *signaling.Relay
	chat    *chat.Manager
	gifts   *gift.Processor
}

func NewRouter(hub *Hub, streams *lifecycle.Manager, relay *signaling.Relay, chat *chat.Manager, gifts *gift.Processor) *Router {
	return &Router{
		hub:     hub,
		streams: streams,
		relay:   relay,
		chat:    chat,
		gifts:   gifts,
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("%w: missing payload", models.ErrInvalidMessage)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: malformed payload", models.ErrInvalidMessage)
	}
	return v, nil
}

// Dispatch handles one inbound message. Failures are answered with an
// error event on the same connection.
func (r *Router) Dispatch(ctx context.Context, c *Client, in models.WSInbound) {
	var err error

	switch in.Event {
	case models.EventPing:
		r.hub.SendToConn(ctx, c.ID(), models.WSMessage{Event: models.EventPong})

	case models.EventStreamJoin:
		err = r.joinStream(ctx, c, in.Payload)

	case models.EventStreamLeave:
		err = r.leaveStream(ctx, c, in.Payload)

	case models.EventStreamHeartbeat:
		err = r.heartbeat(ctx, c, in.Payload)

	case models.EventStreamsSubscribe:
		r.hub.Join(c.ID(), models.StreamListGroup)

	case models.EventSignalOffer, models.EventSignalAnswer, models.EventSignalICE:
		var p models.WSSignalPayload
		if p, err = decode[models.WSSignalPayload](in.Payload); err == nil {
			// Undeliverable negotiation messages are dropped, not reported.
			r.Deliver(ctx, r.relay.Relay(in.Event, c.ID(), p)...)
		}

	case models.EventChatJoin:
		err = r.joinChat(ctx, c, in.Payload)

	case models.EventChatLeave:
		var p models.WSStreamPayload
		if p, err = decode[models.WSStreamPayload](in.Payload); err == nil {
			r.chat.LeaveChat(ctx, c.ID(), p.StreamID)
		}

	case models.EventChatSend:
		var p models.WSChatSendPayload
		if p, err = decode[models.WSChatSendPayload](in.Payload); err == nil {
			_, err = r.chat.Publish(ctx, c.Info(), p.StreamID, p.Body)
		}

	case models.EventChatReaction:
		var p models.WSReactionPayload
		if p, err = decode[models.WSReactionPayload](in.Payload); err == nil {
			err = r.chat.PublishReaction(ctx, c.Info(), p.StreamID, p.Kind)
		}

	case models.EventChatDelete:
		var p models.WSModerationPayload
		if p, err = decode[models.WSModerationPayload](in.Payload); err == nil {
			err = r.chat.ModerationDelete(ctx, c.Info(), p.StreamID, p.TargetUserID, p.MessageID)
		}

	case models.EventChatBan:
		var p models.WSModerationPayload
		if p, err = decode[models.WSModerationPayload](in.Payload); err == nil {
			err = r.chat.ModerationBan(ctx, c.Info(), p.StreamID, p.TargetUserID)
		}

	case models.EventGiftSend:
		err = r.sendGift(ctx, c, in.Payload)

	default:
		err = fmt.Errorf("%w: unknown event %q", models.ErrInvalidMessage, in.Event)
	}

	if err != nil {
		log := logger.Ctx(ctx)
		if models.ErrorCode(err) == "internal" {
			log.Error().Err(err).Str(logger.FieldEvent, in.Event).Msg("dispatch failed")
		} else {
			log.Debug().Err(err).Str(logger.FieldEvent, in.Event).Msg("request rejected")
		}
		r.hub.SendToConn(ctx, c.ID(), errorMessage(in.Event, err))
	}
}

func (r *Router) joinStream(ctx context.Context, c *Client, raw json.RawMessage) error {
	p, err := decode[models.WSStreamJoinPayload](raw)
	if err != nil {
		return err
	}
	session, ok := r.streams.LiveSession(p.StreamID)
	if !ok {
		return models.ErrStreamNotLive
	}
	info := c.Info()
	if p.Role == models.RoleBroadcaster && (info.IsGuest() || info.UserID != session.BroadcasterID) {
		return fmt.Errorf("%w: only the owner can broadcast", models.ErrForbidden)
	}

	out, replaced, err := r.relay.Join(info, p.StreamID, p.Role)
	if err != nil {
		return err
	}
	if replaced != nil {
		r.viewerGone(ctx, c.ID(), *replaced)
	}

	// The stream may have ended and had its room closed between the check
	// above and the join; undo the join so no member outlives the room.
	if !r.streams.IsLive(p.StreamID) {
		undo, _ := r.relay.Leave(c.ID(), p.StreamID)
		r.hub.Deliver(ctx, undo...)
		return models.ErrStreamNotLive
	}
	r.Deliver(ctx, out...)

	if p.Role == models.RoleViewer {
		if _, err := r.streams.ViewerJoined(ctx, p.StreamID, c.ID()); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str(logger.FieldStreamID, p.StreamID.String()).Msg("viewer count not updated")
		}
	}
	return nil
}

func (r *Router) leaveStream(ctx context.Context, c *Client, raw json.RawMessage) error {
	p, err := decode[models.WSStreamPayload](raw)
	if err != nil {
		return err
	}
	out, det := r.relay.Leave(c.ID(), p.StreamID)
	r.Deliver(ctx, out...)
	if det != nil {
		r.viewerGone(ctx, c.ID(), *det)
	}
	return nil
}

func (r *Router) viewerGone(ctx context.Context, connID string, det signaling.Detached) {
	if det.Role != models.RoleViewer {
		return
	}
	if _, err := r.streams.ViewerLeft(ctx, det.StreamID, connID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str(logger.FieldStreamID, det.StreamID.String()).Msg("viewer count not updated")
	}
}

func (r *Router) heartbeat(ctx context.Context, c *Client, raw json.RawMessage) error {
	p, err := decode[models.WSStreamPayload](raw)
	if err != nil {
		return err
	}
	info := c.Info()
	if info.IsGuest() {
		return models.ErrUnauthorized
	}
	return r.streams.Heartbeat(ctx, p.StreamID, info.UserID)
}

func (r *Router) joinChat(ctx context.Context, c *Client, raw json.RawMessage) error {
	p, err := decode[models.WSChatJoinPayload](raw)
	if err != nil {
		return err
	}
	if err := r.chatOpen(ctx, p.StreamID); err != nil {
		return err
	}
	if err := r.chat.JoinChat(ctx, c.Info(), p.StreamID, p.DisplayName); err != nil {
		return err
	}
	if err := r.chatOpen(ctx, p.StreamID); err != nil {
		r.chat.LeaveChat(ctx, c.ID(), p.StreamID)
		return err
	}
	return nil
}

// chatOpen reports ErrStreamNotLive once the stream has ended. Scheduled
// streams keep their chat open.
func (r *Router) chatOpen(ctx context.Context, streamID uuid.UUID) error {
	session, err := r.streams.Get(ctx, streamID)
	if err != nil {
		return err
	}
	if session.Status == models.StreamEnded {
		return models.ErrStreamNotLive
	}
	return nil
}

func (r *Router) sendGift(ctx context.Context, c *Client, raw json.RawMessage) error {
	info := c.Info()
	if info.IsGuest() {
		return fmt.Errorf("%w: sign in to send gifts", models.ErrUnauthorized)
	}
	p, err := decode[models.WSGiftPayload](raw)
	if err != nil {
		return err
	}
	req := gift.Request{
		SenderID: info.UserID,
		StreamID: p.StreamID,
		GiftType: p.GiftType,
	}
	if p.RecipientID != nil {
		req.RecipientID = *p.RecipientID
	}
	if p.RequestID != nil {
		req.RequestID = *p.RequestID
	}
	_, out, err := r.gifts.SendGift(ctx, req)
	if err != nil {
		return err
	}
	r.Deliver(ctx, out...)
	return nil
}

// Deliver hands messages to the hub. Once a stream.ended notification has
// gone out, the stream's signal and chat rooms are dropped.
func (r *Router) Deliver(ctx context.Context, out ...models.Outbound) {
	if len(out) == 0 {
		return
	}
	r.hub.Deliver(ctx, out...)

	for _, o := range out {
		if o.Message.Event != models.EventStreamEnded {
			continue
		}
		if p, ok := o.Message.Payload.(models.WSStreamEndedPayload); ok {
			r.closeStream(p.StreamID)
		}
	}
}

func (r *Router) closeStream(streamID uuid.UUID) {
	r.relay.Close(streamID)
	r.chat.Close(streamID)
}

// Disconnect is the hub's disconnect callback: the same cleanup as an
// explicit leave, for every stream and room the connection was in.
func (r *Router) Disconnect(ctx context.Context, info models.ConnInfo) {
	out, detached := r.relay.Disconnect(info.ID)
	r.Deliver(ctx, out...)
	for _, det := range detached {
		r.viewerGone(ctx, info.ID, det)
	}
	r.chat.Disconnect(ctx, info.ID)
}
