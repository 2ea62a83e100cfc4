package pricefeed

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cryptosim/ledger-engine/internal/metrics"
	"github.com/cryptosim/ledger-engine/internal/model"
)

// DefaultSchedule refreshes prices every two minutes.
const DefaultSchedule = "@every 2m"

// Sink receives every refreshed quote set.
type Sink func(ctx context.Context, quotes []model.Quote) error

// Listener is notified after the sink has been updated.
type Listener func(quotes []model.Quote)

// Poller pulls a Feed on a cron schedule and pushes the result into a Sink.
// It also keeps the latest quote per symbol for price lookups.
type Poller struct {
	feed     Feed
	sink     Sink
	schedule string
	timeout  time.Duration
	cron     *cron.Cron
	log      zerolog.Logger

	mu        sync.RWMutex
	latest    map[string]model.Quote
	updatedAt time.Time
	listeners []Listener
}

// NewPoller creates a poller. sink may be nil.
func NewPoller(feed Feed, sink Sink, schedule string, log zerolog.Logger) *Poller {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Poller{
		feed:     feed,
		sink:     sink,
		schedule: schedule,
		timeout:  30 * time.Second,
		cron:     cron.New(cron.WithSeconds()),
		log:      log.With().Str("component", "pricefeed").Str("feed", feed.Name()).Logger(),
		latest:   make(map[string]model.Quote),
	}
}

// OnUpdate registers a listener.
func (p *Poller) OnUpdate(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Start registers the refresh job, runs it once immediately and starts the
// scheduler.
func (p *Poller) Start(ctx context.Context) error {
	_, err := p.cron.AddFunc(p.schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		if err := p.RunOnce(runCtx); err != nil {
			p.log.Error().Err(err).Msg("price refresh failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule price refresh %q: %w", p.schedule, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.RunOnce(runCtx); err != nil {
		p.log.Warn().Err(err).Msg("initial price refresh failed")
	}

	p.cron.Start()
	p.log.Info().Str("schedule", p.schedule).Msg("price poller started")
	return nil
}

// Stop stops the scheduler and waits for a running refresh.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
	p.log.Info().Msg("price poller stopped")
}

// RunOnce fetches quotes from the feed and publishes them.
func (p *Poller) RunOnce(ctx context.Context) error {
	quotes, err := p.feed.Quotes(ctx)
	if err != nil {
		metrics.PriceUpdates.WithLabelValues("feed_error").Inc()
		return fmt.Errorf("fetch quotes from %s: %w", p.feed.Name(), err)
	}
	return p.Publish(ctx, quotes)
}

// Publish merges quotes into the latest set, pushes them into the sink
// and notifies listeners. Quotes with an empty symbol or a non-positive
// price are dropped.
func (p *Poller) Publish(ctx context.Context, quotes []model.Quote) error {
	valid := make([]model.Quote, 0, len(quotes))
	for _, q := range quotes {
		q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
		if q.Symbol == "" || !q.Price.IsPositive() {
			continue
		}
		valid = append(valid, q)
	}

	p.mu.Lock()
	for _, q := range valid {
		p.latest[q.Symbol] = q
	}
	p.updatedAt = time.Now().UTC()
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.Unlock()

	var sinkErr error
	if p.sink != nil {
		sinkErr = p.sink(ctx, valid)
	}
	if sinkErr != nil {
		metrics.PriceUpdates.WithLabelValues("sink_error").Inc()
		p.log.Error().Err(sinkErr).Int("quotes", len(valid)).Msg("price push to ledger failed")
	} else {
		metrics.PriceUpdates.WithLabelValues("ok").Inc()
		p.log.Debug().Int("quotes", len(valid)).Msg("prices updated")
	}

	for _, l := range listeners {
		l(valid)
	}
	return sinkErr
}

// Latest returns the most recent quote of every symbol, sorted by symbol,
// and the time of the last refresh.
func (p *Poller) Latest() ([]model.Quote, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	quotes := make([]model.Quote, 0, len(p.latest))
	for _, q := range p.latest {
		quotes = append(quotes, q)
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Symbol < quotes[j].Symbol })
	return quotes, p.updatedAt
}

// Quote returns the latest quote for sym, ignoring case.
func (p *Poller) Quote(sym string) (model.Quote, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	q, ok := p.latest[strings.ToUpper(strings.TrimSpace(sym))]
	return q, ok
}
