package detect

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// Aggregator — runs every detection source and merges their events into a
// single stream. Sources are independent; one dying does not stop the rest.
// ---------------------------------------------------------------------------

// Aggregator fans detection sources into one bounded channel. Construct it
// first, build sources against Sink(), then Add them before Run.
type Aggregator struct {
	sources []Source
	in      chan Event
	out     chan Event

	merged atomic.Int64
}

// NewAggregator creates an aggregator. Buffer sizes both the shared sink and
// the merged output channel.
func NewAggregator(buffer int) *Aggregator {
	if buffer <= 0 {
		buffer = 256
	}
	return &Aggregator{
		in:  make(chan Event, buffer),
		out: make(chan Event, buffer),
	}
}

// Sink is the shared channel sources emit into.
func (a *Aggregator) Sink() chan<- Event { return a.in }

// Add registers sources to run. Not safe after Run starts.
func (a *Aggregator) Add(sources ...Source) {
	a.sources = append(a.sources, sources...)
}

// Events returns the merged stream. Closed when Run returns.
func (a *Aggregator) Events() <-chan Event { return a.out }

// Run starts every source and blocks until the context ends. Source errors
// other than context cancellation are logged, not propagated, so a flaky
// backstop cannot take down the push watchers.
func (a *Aggregator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, src := range a.sources {
		src := src
		g.Go(func() error {
			log.Info().Str("source", src.Name()).Msg("detect: source started")
			err := src.Run(ctx)
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("source", src.Name()).Msg("detect: source stopped")
			}
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case evt := <-a.in:
				a.merged.Add(1)
				select {
				case a.out <- evt:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})

	err := g.Wait()
	close(a.out)
	log.Info().Msg("detect: aggregator stopped")
	return err
}

// Merged returns the count of events handed to consumers.
func (a *Aggregator) Merged() int64 { return a.merged.Load() }
