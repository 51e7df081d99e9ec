package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nishichengju/planmode/internal/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// maxStreamLen bounds each stream; older entries are trimmed approximately
	maxStreamLen = 10000
	readBatch    = 10
	readBlock    = time.Second
)

// StreamsEventBus implements EventBus using Redis Streams. Every subscription
// reads through its own consumer group created at the stream tail, so each
// subscriber sees every event published after it subscribed.
type StreamsEventBus struct {
	client      *redis.Client
	logger      *zap.Logger
	groupPrefix string
	consumer    string
}

// NewStreamsEventBus creates a new Redis Streams event bus
func NewStreamsEventBus(client *redis.Client, groupPrefix, consumerName string, logger *zap.Logger) (*StreamsEventBus, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &StreamsEventBus{
		client:      client,
		logger:      logger,
		groupPrefix: groupPrefix,
		consumer:    consumerName,
	}, nil
}

// Publish appends event to the topic's stream
func (e *StreamsEventBus) Publish(ctx context.Context, topic string, event ports.Event) error {
	values, err := encodeEvent(event)
	if err != nil {
		return err
	}

	streamKey := getStreamKey(topic)
	if err := e.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add to stream %s: %w", streamKey, err)
	}

	e.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("run_id", event.RunID))
	return nil
}

// Subscribe delivers events on a topic to handler until ctx is done
func (e *StreamsEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	streamKey := getStreamKey(topic)
	group := fmt.Sprintf("%s:%s", e.groupPrefix, uuid.New().String())

	// "$" starts the group at the current tail
	err := e.client.XGroupCreateMkStream(ctx, streamKey, group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	e.logger.Info("subscribed to event stream",
		zap.String("stream", streamKey),
		zap.String("consumer_group", group),
		zap.String("consumer", e.consumer))

	// Start reading from stream
	go e.readStream(ctx, streamKey, group, handler)

	return nil
}

// readStream reads events from a stream until ctx is done, then drops the group
func (e *StreamsEventBus) readStream(ctx context.Context, streamKey, group string, handler ports.EventHandler) {
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.client.XGroupDestroy(cleanupCtx, streamKey, group).Err(); err != nil {
			e.logger.Warn("failed to destroy consumer group",
				zap.String("consumer_group", group),
				zap.Error(err))
		}
	}()

	for ctx.Err() == nil {
		streams, err := e.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: e.consumer,
			Streams:  []string{streamKey, ">"},
			Count:    readBatch,
			Block:    readBlock,
		}).Result()

		switch {
		case errors.Is(err, redis.Nil):
			// nothing new within readBlock
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("failed to read from stream",
				zap.String("stream", streamKey),
				zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(readBlock):
			}
		default:
			for _, stream := range streams {
				for _, message := range stream.Messages {
					e.handleMessage(ctx, streamKey, group, message, handler)
				}
			}
		}
	}
}

// handleMessage hands one stream entry to handler and acks it on success.
// Undecodable entries are acked too so they are not redelivered.
func (e *StreamsEventBus) handleMessage(ctx context.Context, streamKey, group string, message redis.XMessage, handler ports.EventHandler) {
	log := e.logger.With(zap.String("stream", streamKey), zap.String("message_id", message.ID))

	event, err := decodeEvent(message)
	if err != nil {
		log.Error("dropping malformed stream entry", zap.Error(err))
	} else if err := handler(ctx, event); err != nil {
		log.Warn("event handler failed", zap.String("event_id", event.ID), zap.Error(err))
		return
	}

	if err := e.client.XAck(ctx, streamKey, group, message.ID).Err(); err != nil {
		log.Error("failed to acknowledge message", zap.Error(err))
	}
}

// encodeEvent renders event as stream entry fields
func encodeEvent(event ports.Event) (map[string]interface{}, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return map[string]interface{}{
		"type":   string(event.Type),
		"run_id": event.RunID,
		"data":   string(data),
	}, nil
}

// decodeEvent parses the fields written by encodeEvent
func decodeEvent(message redis.XMessage) (ports.Event, error) {
	var event ports.Event
	data, ok := message.Values["data"].(string)
	if !ok {
		return event, errors.New("stream entry has no data field")
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return event, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return event, nil
}

// Close closes the event bus. The Redis client is closed by its owner.
func (e *StreamsEventBus) Close() error {
	return nil
}

// getStreamKey returns the Redis stream key for a topic
func getStreamKey(topic string) string {
	return fmt.Sprintf("planmode:events:%s", topic)
}
