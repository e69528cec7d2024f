// Package observer watches one viewing context for navigations and reports
// each newly shown video once its page has settled.
package observer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/resource"
)

// DefaultSettleDelay gives a client-rendered page time to fill in its metadata.
const DefaultSettleDelay = 2 * time.Second

// Emitter receives detections. bus.Client implements it.
type Emitter interface {
	DetectVideo(ctx context.Context, d resource.Descriptor, contextID string) error
}

type Option func(*Observer)

func WithFetcher(f Fetcher) Option {
	return func(o *Observer) {
		if f != nil {
			o.fetcher = f
		}
	}
}

func WithSelectors(s Selectors) Option {
	return func(o *Observer) { o.selectors = s.withDefaults() }
}

func WithSettleDelay(d time.Duration) Option {
	return func(o *Observer) {
		if d >= 0 {
			o.settle = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Observer) {
		if now != nil {
			o.now = now
		}
	}
}

// Observer tracks the video shown by one viewing context. OnNavigate may be
// called concurrently; a navigation superseded before its detection is
// emitted is dropped.
type Observer struct {
	contextID string
	emitter   Emitter
	fetcher   Fetcher
	selectors Selectors
	settle    time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	lastID     string
	lastURL    string
	generation uint64
	current    *resource.Descriptor

	emitMu sync.Mutex
}

func New(contextID string, emitter Emitter, opts ...Option) *Observer {
	o := &Observer{
		contextID: contextID,
		emitter:   emitter,
		fetcher:   NewHTTPFetcher(),
		selectors: DefaultSelectors(),
		settle:    DefaultSettleDelay,
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Observer) ContextID() string {
	if o == nil {
		return ""
	}
	return o.contextID
}

// OnNavigate handles a location change and reports whether a detection was
// emitted for it.
func (o *Observer) OnNavigate(ctx context.Context, location string) (bool, error) {
	if o == nil {
		return false, errors.New("observer: nil observer")
	}
	id, ok := resource.ParseID(location)
	if !ok {
		log.Debug().Str("component", "observer").Str("context", o.contextID).Str("location", location).Msg("no video identity in location")
		return false, nil
	}

	o.mu.Lock()
	if id == o.lastID {
		o.mu.Unlock()
		return false, nil
	}
	o.lastID = id
	o.lastURL = location
	o.generation++
	gen := o.generation
	o.mu.Unlock()

	if err := o.sleep(ctx, o.settle); err != nil {
		return false, err
	}
	if !o.isCurrent(gen) {
		log.Debug().Str("component", "observer").Str("video_id", id).Msg("navigation superseded during settle delay")
		return false, nil
	}

	d := o.extract(ctx, id, location)

	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		log.Debug().Str("component", "observer").Str("video_id", id).Msg("navigation superseded during extraction")
		return false, nil
	}
	o.current = &d
	o.mu.Unlock()

	if o.emitter == nil {
		return true, nil
	}
	if err := o.emitter.DetectVideo(ctx, d, o.contextID); err != nil {
		return true, errors.Wrapf(err, "observer: emit %s", id)
	}
	log.Info().Str("component", "observer").Str("context", o.contextID).Str("video_id", d.ID).Str("title", d.Title).Msg("video detected")
	return true, nil
}

func (o *Observer) isCurrent(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation == gen
}

// extract never fails: a missing page or field becomes a placeholder.
func (o *Observer) extract(ctx context.Context, id, location string) resource.Descriptor {
	d := resource.Descriptor{ID: id, URL: location}
	html, err := o.fetcher.Fetch(ctx, location)
	if err != nil {
		log.Warn().Err(err).Str("component", "observer").Str("video_id", id).Msg("page fetch failed, using placeholders")
	} else if fields, err := Extract(html, o.selectors); err != nil {
		log.Warn().Err(err).Str("component", "observer").Str("video_id", id).Msg("metadata extraction failed, using placeholders")
	} else {
		d.Title = fields.Title
		d.Description = fields.Description
		d.Channel = fields.Channel
	}
	d = d.Normalize()
	d.DetectedAtMs = o.now().UnixMilli()
	return d
}

// CurrentResource returns the last detection, or a placeholder descriptor if
// a video is known but not yet extracted. It never emits.
func (o *Observer) CurrentResource() resource.Descriptor {
	if o == nil {
		return resource.Descriptor{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil && o.current.ID == o.lastID {
		return *o.current
	}
	if o.lastID == "" {
		return resource.Descriptor{}
	}
	return resource.Placeholder(o.lastID, o.lastURL, o.now())
}

// Run handles navigations until locations is closed or ctx is done.
func (o *Observer) Run(ctx context.Context, locations <-chan string) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case loc, ok := <-locations:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func(loc string) {
				defer wg.Done()
				if _, err := o.OnNavigate(ctx, loc); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn().Err(err).Str("component", "observer").Str("location", loc).Msg("navigation failed")
				}
			}(loc)
		}
	}
}

// Bind answers GET_CURRENT_VIDEO for this observer's context.
func (o *Observer) Bind(b *bus.Bus) error {
	return b.Handle(bus.ObserverTopic(o.contextID), func(ctx context.Context, env bus.Envelope) (any, error) {
		if env.Type != bus.TypeGetCurrentVideo {
			return nil, errors.Errorf("observer: unknown message type %q", env.Type)
		}
		return o.CurrentResource(), nil
	}, bus.Named("observer."+o.contextID))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
