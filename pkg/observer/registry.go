package observer

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/bus"
)

// DefaultContextID is used when a navigation does not name its context.
const DefaultContextID = "default"

// Registry keeps one Observer per viewing context and creates them on first
// navigation. Observers it creates answer GET_CURRENT_VIDEO on the bus.
type Registry struct {
	ctx     context.Context
	bus     *bus.Bus
	emitter Emitter
	opts    []Option

	mu        sync.Mutex
	observers map[string]*Observer
	wg        sync.WaitGroup
}

// NewRegistry builds a registry whose navigations run under ctx. b may be nil,
// in which case observers are not reachable over the bus.
func NewRegistry(ctx context.Context, b *bus.Bus, emitter Emitter, opts ...Option) *Registry {
	return &Registry{
		ctx:       ctx,
		bus:       b,
		emitter:   emitter,
		opts:      opts,
		observers: map[string]*Observer{},
	}
}

func (r *Registry) Get(contextID string) (*Observer, error) {
	if contextID == "" {
		contextID = DefaultContextID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.observers[contextID]; ok {
		return o, nil
	}
	o := New(contextID, r.emitter, r.opts...)
	if r.bus != nil {
		if err := o.Bind(r.bus); err != nil {
			return nil, errors.Wrapf(err, "observer: bind %s", contextID)
		}
	}
	r.observers[contextID] = o
	log.Debug().Str("component", "observer").Str("context", contextID).Msg("observer created")
	return o, nil
}

// Navigate hands location to the context's observer and returns without
// waiting for the detection.
func (r *Registry) Navigate(_ context.Context, contextID, location string) error {
	if err := r.ctx.Err(); err != nil {
		return errors.Wrap(err, "observer: registry stopped")
	}
	o, err := r.Get(contextID)
	if err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := o.OnNavigate(r.ctx, location); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("component", "observer").Str("context", o.ContextID()).Str("location", location).Msg("navigation failed")
		}
	}()
	return nil
}

// Wait blocks until every started navigation has finished.
func (r *Registry) Wait() {
	r.wg.Wait()
}
