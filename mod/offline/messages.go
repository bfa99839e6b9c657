package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrUnknownMessage is returned for message types the controller does not handle
var ErrUnknownMessage = errors.New("unknown message type")

// MessageType names a control channel message
type MessageType string

const (
	MessageSkipWaiting      MessageType = "SKIP_WAITING"
	MessageGetCacheSize     MessageType = "GET_CACHE_SIZE"
	MessageClearCache       MessageType = "CLEAR_CACHE"
	MessagePreloadResources MessageType = "PRELOAD_RESOURCES"
	MessageCheckUpdate      MessageType = "CHECK_UPDATE"

	ReplyCacheSize       MessageType = "CACHE_SIZE"
	ReplyCacheCleared    MessageType = "CACHE_CLEARED"
	ReplyUpdateAvailable MessageType = "UPDATE_AVAILABLE"
)

// Message is a control channel request
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is a control channel response
type Reply struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// PreloadPayload is the payload of PRELOAD_RESOURCES
type PreloadPayload struct {
	Resources []string `json:"resources"`
}

// NewMessage builds a message with a JSON encoded payload
func NewMessage(t MessageType, payload interface{}) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return msg, fmt.Errorf("failed to encode payload: %w", err)
	}
	msg.Payload = raw
	return msg, nil
}

// HandleMessage executes a control channel message.
// A nil reply means the message type has no response.
func (r *Registration) HandleMessage(ctx context.Context, msg Message) (*Reply, error) {
	switch msg.Type {
	case MessageSkipWaiting:
		return nil, r.SkipWaiting(ctx)

	case MessageCheckUpdate:
		if _, err := r.Update(ctx); err != nil {
			r.logger.Warn("offline", "update check failed", zap.Error(err))
		}
		return &Reply{Type: ReplyUpdateAvailable, Payload: r.Waiting() != nil}, nil
	}

	c := r.Active()
	if c == nil {
		switch msg.Type {
		case MessageGetCacheSize, MessageClearCache, MessagePreloadResources:
			return nil, ErrNotRegistered
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}

	switch msg.Type {
	case MessageGetCacheSize:
		size, err := c.CacheSize(ctx)
		if err != nil {
			return nil, err
		}
		return &Reply{Type: ReplyCacheSize, Payload: size}, nil

	case MessageClearCache:
		if err := c.ClearCache(ctx); err != nil {
			return nil, err
		}
		return &Reply{Type: ReplyCacheCleared}, nil

	case MessagePreloadResources:
		var payload PreloadPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				return nil, fmt.Errorf("invalid %s payload: %w", msg.Type, err)
			}
		}
		stored := c.Preload(ctx, payload.Resources)
		c.config.Logger.PrintAndLog("offline", fmt.Sprintf("Preloaded %d of %d resources", stored, len(payload.Resources)), nil)
		return nil, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
}
