// Package screen composes the status view and the registration form into
// one mounted panel session.
package screen

import (
	"context"
	"fmt"

	"github.com/rcourtman/quartermaster/internal/logging"
	"github.com/rcourtman/quartermaster/internal/registration"
	"github.com/rcourtman/quartermaster/internal/status"
	"github.com/rcourtman/quartermaster/internal/stream"
	"github.com/rcourtman/quartermaster/internal/view"
	"github.com/rcourtman/quartermaster/internal/widget"
	"golang.org/x/net/html"
)

// Phase is where the session is in the registration lifecycle.
type Phase string

const (
	PhaseUnknown       Phase = "unknown"
	PhaseRegistered    Phase = "registered"
	PhaseUnregistered  Phase = "unregistered"
	PhaseRegistering   Phase = "registering"
	PhaseUnregistering Phase = "unregistering"
)

const rootID = "quartermaster"

// MessageStatusUnavailable is shown when the status subscription ends
// before reporting anything.
const MessageStatusUnavailable = "Unable to read entitlement status"

// StatusFeed supplies entitlement status updates.
type StatusFeed interface {
	Subscribe(ctx context.Context) <-chan status.EntitlementStatus
}

// Submitter runs a submitted payload against the current status.
type Submitter interface {
	Submit(ctx context.Context, current status.EntitlementStatus, payload registration.Payload) <-chan registration.Result
}

// Screen mounts panel sessions.
type Screen struct {
	feed StatusFeed
	flow Submitter
}

// New creates a screen.
func New(feed StatusFeed, flow Submitter) *Screen {
	return &Screen{feed: feed, flow: flow}
}

type session struct {
	status   status.EntitlementStatus
	known    bool
	phase    Phase
	form     *widget.Form
	showForm bool
	banner   *view.Banner
	results  <-chan registration.Result
}

// Mount runs one session until ctx ends or events closes. Events are
// handled strictly in arrival order; every state change is rendered.
// Leaving Mount cancels the session's status subscription and any request
// still in flight, and returns only after both have finished.
func (s *Screen) Mount(ctx context.Context, events <-chan widget.DOMEvent, render func(*html.Node) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := logging.FromContext(ctx)

	st := &session{status: status.Unknown, phase: PhaseUnknown, form: widget.NewForm()}
	statuses := s.feed.Subscribe(ctx)
	defer func() {
		// Wait for the subscription and any request to wind down so the
		// caller can release the bus once Mount returns.
		cancel()
		if st.results != nil {
			stream.Wait(st.results)
		}
		if statuses != nil {
			stream.Wait(statuses)
		}
	}()

	if err := render(st.view()); err != nil {
		return fmt.Errorf("render: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if !st.handle(ctx, s.flow, evt) {
				continue
			}

		case current, ok := <-statuses:
			if !ok {
				statuses = nil
				if st.known {
					continue
				}
				logger.Warn().Msg("Entitlement status unavailable")
				st.banner = &view.Banner{Kind: "failure", Message: MessageStatusUnavailable}
				break
			}
			st.applyStatus(current)

		case res, ok := <-st.results:
			if !ok {
				st.results = nil
				if st.busy() {
					st.settle()
				}
				break
			}
			logger.Info().Str("action", string(res.Action)).Str("kind", string(res.Kind)).Msg("Request finished")
			st.applyResult(res)
		}

		if err := render(st.view()); err != nil {
			return fmt.Errorf("render: %w", err)
		}
	}
}

// handle applies one DOM event and reports whether anything changed.
func (st *session) handle(ctx context.Context, flow Submitter, evt widget.DOMEvent) bool {
	if evt.Kind == widget.EventClick && evt.Target == view.StatusButtonID && evt.Button == widget.PrimaryButton {
		if st.busy() {
			return false
		}
		st.showForm = !st.showForm
		return true
	}
	if !st.showForm {
		return false
	}

	payload, submitted := st.form.Handle(evt)
	if !submitted {
		return true
	}

	if registration.Route(st.status) == registration.ActionUnregister {
		st.phase = PhaseUnregistering
	} else {
		st.phase = PhaseRegistering
	}
	st.banner = nil
	st.results = flow.Submit(ctx, st.status, payload)
	return true
}

func (st *session) applyStatus(current status.EntitlementStatus) {
	st.status = current
	st.known = true
	if st.busy() {
		return
	}
	st.settle()
}

func (st *session) applyResult(res registration.Result) {
	st.banner = &view.Banner{Kind: string(res.Kind), Message: res.Message}

	switch {
	case res.Action == registration.ActionRegister && res.Kind == registration.Success:
		st.phase = PhaseRegistered
		st.showForm = false
	case res.Action == registration.ActionUnregister && res.Kind == registration.Success:
		st.phase = PhaseUnregistered
		st.showForm = false
	default:
		st.settle()
	}
	st.form = widget.NewForm()
}

// settle derives the phase from the last known status.
func (st *session) settle() {
	switch {
	case !st.known || st.status == status.Unknown:
		st.phase = PhaseUnknown
	case st.status.Registered():
		st.phase = PhaseRegistered
	default:
		st.phase = PhaseUnregistered
	}
}

func (st *session) busy() bool {
	return st.phase == PhaseRegistering || st.phase == PhaseUnregistering
}

func (st *session) view() *html.Node {
	root := view.Element("div", view.Attrs{"id": rootID, "class": "quartermaster", "data-phase": string(st.phase)},
		view.Status(st.status, st.banner, st.busy()),
	)
	if st.showForm {
		root.AppendChild(st.form.View(st.status))
	}
	return root
}
