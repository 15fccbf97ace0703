// Package notify fans lifecycle events out to the Redis event bus and,
// for the event types an operator opted into, to chat channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// Default bus names.
const (
	DefaultChannel = "keeper:events"
	DefaultStream  = "keeper:events:stream"
)

// deliverTimeout bounds one event's delivery. Delivery outlives the Run
// context so events already dequeued at shutdown are not lost.
const deliverTimeout = 10 * time.Second

// Config configures a Dispatcher.
type Config struct {
	Channel string
	Stream  string
	// Events limits chat delivery to these types. Empty sends all.
	Events    []string
	QueueSize int
}

// Dispatcher implements domain.EventSink. Emit never blocks: events are
// queued and delivered by Run, and dropped when the queue is full.
type Dispatcher struct {
	bus     domain.SignalBus
	senders []Sender
	allowed map[domain.EventType]bool
	channel string
	stream  string
	queue   chan domain.Event
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. bus may be nil when only chat
// delivery is wanted.
func NewDispatcher(bus domain.SignalBus, senders []Sender, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	allowed := make(map[domain.EventType]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Dispatcher{
		bus:     bus,
		senders: senders,
		allowed: allowed,
		channel: cfg.Channel,
		stream:  cfg.Stream,
		queue:   make(chan domain.Event, cfg.QueueSize),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Emit queues ev for delivery.
func (d *Dispatcher) Emit(_ context.Context, ev domain.Event) {
	select {
	case d.queue <- ev:
	default:
		eventsTotal.WithLabelValues(string(ev.Type), "dropped").Inc()
		d.logger.Warn("event queue full, dropping event",
			slog.String("type", string(ev.Type)), slog.String("market_id", ev.MarketID))
	}
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// already queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			d.flush(ctx)
			return nil
		}
	}
}

func (d *Dispatcher) flush(ctx context.Context) {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(parent context.Context, ev domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), deliverTimeout)
	defer cancel()
	log := d.logger.With(slog.String("type", string(ev.Type)), slog.String("market_id", ev.MarketID))
	if d.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Error("marshal event", slog.String("error", err.Error()))
			return
		}
		if err := d.bus.Publish(ctx, d.channel, payload); err != nil {
			log.Warn("publish event", slog.String("error", err.Error()))
		}
		if err := d.bus.StreamAppend(ctx, d.stream, payload); err != nil {
			eventsTotal.WithLabelValues(string(ev.Type), "error").Inc()
			log.Warn("append event to stream", slog.String("error", err.Error()))
		} else {
			eventsTotal.WithLabelValues(string(ev.Type), "published").Inc()
		}
	}

	if len(d.senders) == 0 || (len(d.allowed) > 0 && !d.allowed[ev.Type]) {
		return
	}
	title, msg := render(ev)
	for _, s := range d.senders {
		if err := s.Send(ctx, title, msg); err != nil {
			log.Error("sender failed", slog.String("sender", s.Name()), slog.String("error", err.Error()))
		}
	}
}

func render(ev domain.Event) (string, string) {
	title := fmt.Sprintf("%s %s", ev.Type, ev.MarketID)
	if a, tf := ev.Data["asset"], ev.Data["timeframe"]; a != "" {
		title = fmt.Sprintf("%s %s/%s", ev.Type, a, tf)
	}
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "market: %s\n", ev.MarketID)
	if ev.UserID != "" {
		fmt.Fprintf(&b, "user: %s\n", ev.UserID)
	}
	for _, k := range keys {
		if v := ev.Data[k]; v != "" {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	fmt.Fprintf(&b, "at: %s", ev.At.UTC().Format("2006-01-02 15:04:05Z"))
	return title, b.String()
}

var _ domain.EventSink = (*Dispatcher)(nil)
