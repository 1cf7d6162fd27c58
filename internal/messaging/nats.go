// Package messaging provides a NATS client wrapper for the radar service. It
// handles connection lifecycle, subject-based subscriptions and convenience
// methods for the radar ingest, refresh and notification subjects.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/whisper/radar/internal/logger"
)

// NATS subjects used by the radar service.
const (
	SubjectPosition   = "radar.position"
	SubjectVisibility = "radar.visibility"
	SubjectAnswer     = "radar.answer"
	SubjectRefresh    = "radar.refresh"    // request/reply
	SubjectBestMatch  = "radar.best_match" // + .<user_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
	log  *zap.Logger
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "radard",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log *zap.Logger) (*NATSClient, error) {
	log = logger.Named(log, "nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
		log:  log,
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Request sends data to subject and waits for a single reply.
func (c *NATSClient) Request(subject string, data []byte, timeout time.Duration) ([]byte, error) {
	msg, err := c.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	return c.subscribe(subject, subject, handler)
}

// SubscribePositions subscribes to position broadcasts.
func (c *NATSClient) SubscribePositions(handler func(data []byte)) error {
	return c.Subscribe(SubjectPosition, func(msg *nats.Msg) { handler(msg.Data) })
}

// SubscribeVisibility subscribes to visibility toggles.
func (c *NATSClient) SubscribeVisibility(handler func(data []byte)) error {
	return c.Subscribe(SubjectVisibility, func(msg *nats.Msg) { handler(msg.Data) })
}

// SubscribeAnswers subscribes to answer submissions.
func (c *NATSClient) SubscribeAnswers(handler func(data []byte)) error {
	return c.Subscribe(SubjectAnswer, func(msg *nats.Msg) { handler(msg.Data) })
}

// SubscribeRefresh serves radar refresh requests. The handler's return value
// is sent as the reply.
func (c *NATSClient) SubscribeRefresh(handler func(data []byte) []byte) error {
	return c.Subscribe(SubjectRefresh, func(msg *nats.Msg) {
		reply := handler(msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			c.log.Warn("refresh reply failed", zap.Error(err))
		}
	})
}

// PublishBestMatch publishes a best-match notification for userID.
func (c *NATSClient) PublishBestMatch(userID string, data []byte) error {
	return c.Publish(SubjectBestMatch+"."+userID, data)
}

// SubscribeBestMatch subscribes to best-match notifications for a user. The
// subscription is keyed by connID so that several connections of the same
// user do not overwrite each other.
func (c *NATSClient) SubscribeBestMatch(userID, connID string, handler func(data []byte)) error {
	return c.subscribe(SubjectBestMatch+"."+userID, "best:"+connID, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeBestMatch removes a connection's best-match subscription.
func (c *NATSClient) UnsubscribeBestMatch(connID string) error {
	return c.unsubscribe("best:" + connID)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain subscription", zap.String("key", key), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain", zap.Error(err))
	}

	c.log.Info("client closed")
}

func (c *NATSClient) subscribe(subject, key string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// unsubscribe removes and unsubscribes the subscription stored under key.
func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
