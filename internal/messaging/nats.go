// Package messaging provides the NATS client used to fan relay traffic out
// across engine instances. Each instance subscribes to one subject per
// locally connected participant, so events published anywhere in the fleet
// reach whichever process owns the participant's transport. It also carries
// the request-reply channel to the moderation worker.
package messaging

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	// SubjectParticipant carries relay events addressed to one participant:
	// relay.participant.<participant_id>. NATS preserves per-publisher order
	// on a subject, which is what keeps same-sender messages in send order
	// across processes.
	SubjectParticipant = "relay.participant"

	// SubjectModeration is the request-reply subject served by the
	// moderation worker.
	SubjectModeration = "moderation.check"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "roulette",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps the NATS connection with helpers for the engine's subjects.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewClient connects to NATS and returns a ready client. It returns an error
// if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

func participantSubject(participantID string) string {
	return SubjectParticipant + "." + participantID
}

// PublishParticipantEvent publishes a relay event to the participant's
// subject.
func (c *Client) PublishParticipantEvent(participantID string, data []byte) error {
	return c.conn.Publish(participantSubject(participantID), data)
}

// SubscribeParticipant registers a handler for events addressed to the given
// participant. Called when the participant's transport attaches to this
// process.
func (c *Client) SubscribeParticipant(participantID string, handler func(data []byte)) error {
	subject := participantSubject(participantID)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeParticipant drops the participant's subscription. Called on
// disconnect.
func (c *Client) UnsubscribeParticipant(participantID string) error {
	return c.unsubscribe(participantSubject(participantID))
}

// RequestModeration sends a moderation check and waits for the worker's
// verdict.
func (c *Client) RequestModeration(ctx context.Context, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, SubjectModeration, data)
	if err != nil {
		return nil, fmt.Errorf("nats moderation request: %w", err)
	}
	return msg.Data, nil
}

// ServeModeration subscribes to moderation check requests; the handler's
// return value is sent back as the reply. Used by the moderation worker.
func (c *Client) ServeModeration(handler func(data []byte) []byte) error {
	sub, err := c.conn.Subscribe(SubjectModeration, func(msg *nats.Msg) {
		if reply := handler(msg.Data); reply != nil {
			if err := msg.Respond(reply); err != nil {
				log.Printf("[nats] moderation reply: %v", err)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectModeration, err)
	}

	c.mu.Lock()
	c.subs[SubjectModeration] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func (c *Client) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
