package status

import (
	"context"
	"sync"

	"github.com/rcourtman/quartermaster/internal/logging"
	"github.com/rcourtman/quartermaster/internal/metrics"
	"github.com/rcourtman/quartermaster/internal/rhsm"
	"github.com/rcourtman/quartermaster/internal/stream"
	"github.com/rs/zerolog/log"
)

// Source is the slice of rhsm.Client the feed needs.
type Source interface {
	AcquireStatus(ctx context.Context) (rhsm.Handle, error)
	CheckStatus(ctx context.Context, handle rhsm.Handle) (code int, ok bool, err error)
}

// Feed publishes the entitlement status to any number of subscribers.
// Subscribers share one status handle and one signal registration; both are
// released when the last subscriber goes away.
type Feed struct {
	source Source

	// attachMu serializes installing and removing the listener so the
	// remote acquire happens without holding mu.
	attachMu sync.Mutex

	mu     sync.Mutex
	handle rhsm.Handle
	stop   func()
	subs   map[*subscriber]struct{}
	latest EntitlementStatus
	known  bool
	seq    uint64 // bumped on every recorded status
}

// NewFeed creates a feed over source.
func NewFeed(source Source) *Feed {
	return &Feed{
		source: source,
		subs:   make(map[*subscriber]struct{}),
		latest: Unknown,
	}
}

type subscriber struct {
	mu      sync.Mutex
	pending []EntitlementStatus
	wake    chan struct{}
}

func (s *subscriber) push(v EntitlementStatus) {
	s.mu.Lock()
	s.pending = append(s.pending, v)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) take() []EntitlementStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// Subscribe emits the status reported by check_status, then one value per
// entitlement_status_changed signal, until ctx ends. The signal listener is
// in place before the initial query so no change between the two is lost.
// If the interface cannot be acquired or check_status fails, the channel
// closes without a value.
func (f *Feed) Subscribe(ctx context.Context) <-chan EntitlementStatus {
	out := make(chan EntitlementStatus)
	go func() {
		defer close(out)
		logger := logging.FromContext(ctx)

		sub := &subscriber{wake: make(chan struct{}, 1)}
		handle, seq, err := f.attach(ctx, sub)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to acquire entitlement status interface")
			return
		}
		defer f.detach(sub)

		code, ok, err := f.source.CheckStatus(ctx, handle)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("check_status failed")
			}
			return
		}
		initial := Unknown
		if ok {
			initial = FromCode(code)
		}
		f.recordIfUnchanged(initial, seq)
		if !stream.Send(ctx, out, initial) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.wake:
				for _, s := range sub.take() {
					if !stream.Send(ctx, out, s) {
						return
					}
				}
			}
		}
	}()
	return out
}

// Latest returns the most recent status. known is only true while a
// subscriber keeps the signal listener installed, since nothing else keeps
// the value current.
func (f *Feed) Latest() (EntitlementStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.known
}

// Check runs a single check_status outside of any subscription.
func (f *Feed) Check(ctx context.Context) (EntitlementStatus, error) {
	handle, err := f.source.AcquireStatus(ctx)
	if err != nil {
		return Unknown, err
	}
	defer handle.Close()

	code, ok, err := f.source.CheckStatus(ctx, handle)
	if err != nil {
		return Unknown, err
	}
	s := Unknown
	if ok {
		s = FromCode(code)
	}
	f.record(s)
	return s, nil
}

// attach adds sub, installing the shared listener first if there is none.
// seq is the record sequence at the moment sub could first see a signal.
func (f *Feed) attach(ctx context.Context, sub *subscriber) (rhsm.Handle, uint64, error) {
	f.attachMu.Lock()
	defer f.attachMu.Unlock()

	f.mu.Lock()
	if f.handle != nil {
		f.subs[sub] = struct{}{}
		handle, seq := f.handle, f.seq
		f.mu.Unlock()
		return handle, seq, nil
	}
	f.mu.Unlock()

	handle, err := f.source.AcquireStatus(ctx)
	if err != nil {
		return nil, 0, err
	}
	stop := handle.OnSignal(f.dispatch)

	f.mu.Lock()
	f.handle = handle
	f.stop = stop
	f.subs[sub] = struct{}{}
	seq := f.seq
	f.mu.Unlock()

	log.Debug().Msg("Entitlement status listener installed")
	return handle, seq, nil
}

func (f *Feed) detach(sub *subscriber) {
	f.attachMu.Lock()
	defer f.attachMu.Unlock()

	f.mu.Lock()
	delete(f.subs, sub)
	if len(f.subs) > 0 || f.handle == nil {
		f.mu.Unlock()
		return
	}
	handle, stop := f.handle, f.stop
	f.handle = nil
	f.stop = nil
	f.known = false
	f.mu.Unlock()

	stop()
	if err := handle.Close(); err != nil {
		log.Debug().Err(err).Msg("Failed to release entitlement status handle")
	}
	log.Debug().Msg("Entitlement status listener removed")
}

func (f *Feed) dispatch(name string, args []interface{}) {
	if name != rhsm.StatusChangedSignal {
		log.Debug().Str("signal", name).Msg("Ignoring signal")
		return
	}

	s := Unknown
	if len(args) > 0 {
		if code, ok := rhsm.IntValue(args[0]); ok {
			s = FromCode(code)
		}
	}
	f.record(s)

	f.mu.Lock()
	subs := make([]*subscriber, 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		sub.push(s)
	}
}

func (f *Feed) record(s EntitlementStatus) {
	f.mu.Lock()
	f.store(s)
	f.mu.Unlock()
	metrics.RecordStatus(s.Code())
}

// recordIfUnchanged records s unless something newer was recorded after seq.
func (f *Feed) recordIfUnchanged(s EntitlementStatus, seq uint64) {
	f.mu.Lock()
	if f.seq != seq {
		f.mu.Unlock()
		return
	}
	f.store(s)
	f.mu.Unlock()
	metrics.RecordStatus(s.Code())
}

func (f *Feed) store(s EntitlementStatus) {
	f.latest = s
	f.seq++
	f.known = f.handle != nil
}
