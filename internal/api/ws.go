package api

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/gin-gonic/gin"
)

const (
	messageOutput       = "output"
	messageAbandoned    = "abandoned"
	messageError        = "error"
	messageNotification = "notification"
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ServeWS upgrades the request to a websocket that carries the user's game events in both
// directions and forwards the user's notifications.
func (a *API) ServeWS(c *gin.Context) {
	user := c.Param("user_id")

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(c.Request.Context(), "api: websocket upgrade failed", "user", user, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub := a.redis.Subscribe(ctx, a.userChannel(user))
	defer sub.Close()

	// Wait for the subscription, notifications sent before it is active are lost.
	if _, err := sub.Receive(ctx); err != nil {
		slog.ErrorContext(ctx, "api: subscribe notifications failed", "user", user, "error", err)
		_ = conn.WriteJSON(outboundMessage{Type: messageError, Payload: errorResponse(ctx, err, nil)})
		return
	}

	send := make(chan outboundMessage, 16)
	writerDone := make(chan struct{})
	forwarderDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				slog.WarnContext(ctx, "api: websocket write failed", "user", user, "error", err)
				cancel()
				for range send {
				}
				return
			}
		}
	}()

	go func() {
		defer close(forwarderDone)

		notifications := sub.Channel()
		for {
			select {
			case msg, ok := <-notifications:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage{Type: messageNotification, Payload: json.RawMessage(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for ctx.Err() == nil {
		var in inboundMessage
		if err := conn.ReadJSON(&in); err != nil {
			break
		}

		out, err := a.dispatch(ctx, user, in.Type, in.Payload)
		switch {
		case err != nil:
			send <- outboundMessage{Type: messageError, Payload: errorResponse(ctx, err, out)}
		case out == nil:
			send <- outboundMessage{Type: messageAbandoned}
		default:
			send <- outboundMessage{Type: messageOutput, Payload: newOutput(out)}
		}
	}

	cancel()
	<-forwarderDone
	close(send)
	<-writerDone
}
