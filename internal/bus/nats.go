package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"marketplace-live/internal/realtime"
)

// NATSConnConfig configures the NATS connection.
type NATSConnConfig struct {
	URL             string
	Name            string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	PingInterval    time.Duration
	MaxPingsOut     int
	Logger          *slog.Logger
}

// ConnectNATS dials NATS with reconnect handling that logs state changes.
func ConnectNATS(cfg NATSConnConfig) (*nats.Conn, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("nats reconnected", "url", conn.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.ReconnectJitter > 0 {
		opts = append(opts, nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter))
	}
	if cfg.PingInterval > 0 {
		opts = append(opts, nats.PingInterval(cfg.PingInterval))
	}
	if cfg.MaxPingsOut > 0 {
		opts = append(opts, nats.MaxPingsOutstanding(cfg.MaxPingsOut))
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// NATSConfig configures a NATS bus.
type NATSConfig struct {
	Conn    *nats.Conn
	Subject string
	Buffer  int
	Logger  *slog.Logger
}

// NATSBus carries update events over core NATS subjects.
type NATSBus struct {
	conn    *nats.Conn
	subject string
	buffer  int
	logger  *slog.Logger
	subs    subscriptionSet
}

// NewNATSBus constructs a bus on cfg.Conn. The caller owns the connection.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	b := &NATSBus{
		conn:    cfg.Conn,
		subject: strings.TrimSpace(cfg.Subject),
		buffer:  cfg.Buffer,
		logger:  cfg.Logger,
	}
	if b.subject == "" {
		b.subject = DefaultChannel
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b, nil
}

func (b *NATSBus) Publish(ctx context.Context, event realtime.UpdateEvent) error {
	if b.subs.isClosed() {
		return realtime.ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.conn.Publish(b.subject, payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe registers interest and flushes so the server has seen the
// subscription before it returns.
func (b *NATSBus) Subscribe(ctx context.Context) (realtime.Subscription, error) {
	messages := make(chan *nats.Msg, b.bufferSize())
	natsSub, err := b.conn.ChanSubscribe(b.subject, messages)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		_ = natsSub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	sub := newSubscription(b.buffer, func() { _ = natsSub.Unsubscribe() })
	if !b.subs.add(sub) {
		sub.Close()
		return nil, realtime.ErrBusClosed
	}
	go func() {
		defer close(sub.events)
		defer b.subs.remove(sub)
		for {
			select {
			case <-sub.done:
				return
			case msg := <-messages:
				if !sub.forward(msg.Data, b.logger) {
					return
				}
			}
		}
	}()
	return sub, nil
}

func (b *NATSBus) bufferSize() int {
	if b.buffer <= 0 {
		return defaultBuffer
	}
	return b.buffer
}

// Close ends every subscription. The NATS connection stays open.
func (b *NATSBus) Close() error {
	b.subs.closeAll()
	return nil
}
