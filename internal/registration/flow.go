// Package registration drives register and unregister requests against
// subscription-manager and turns their outcomes into user-facing results.
package registration

import (
	"context"
	"time"

	"github.com/rcourtman/quartermaster/internal/logging"
	"github.com/rcourtman/quartermaster/internal/metrics"
	"github.com/rcourtman/quartermaster/internal/rhsm"
	"github.com/rcourtman/quartermaster/internal/status"
	"github.com/rcourtman/quartermaster/internal/stream"
)

// Messages shown for the fixed outcomes.
const (
	MessageRegisterFailed      = "Failed to register"
	MessageUnregisterFailed    = "Failed to unregister"
	MessageUnregisterSucceeded = "Successful unregistration"
)

const stopTimeout = 10 * time.Second

// Kind is the outcome of one request.
type Kind string

const (
	Success Kind = "success"
	Failure Kind = "failure"
)

// Action is the request a submission turns into.
type Action string

const (
	ActionRegister   Action = "register"
	ActionUnregister Action = "unregister"
)

// Result is one register or unregister outcome.
type Result struct {
	Action  Action `json:"action"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Client is the slice of rhsm.Client the flow calls.
type Client interface {
	StartRegisterServer(ctx context.Context) (string, error)
	StopRegisterServer(ctx context.Context) error
	Register(ctx context.Context, address string, req rhsm.RegisterRequest) (string, error)
	RegisterWithActivationKeys(ctx context.Context, address string, req rhsm.ActivationKeyRequest) (string, error)
	Unregister(ctx context.Context, req rhsm.UnregisterRequest) error
}

// Flow issues registration requests.
type Flow struct {
	client Client
}

// NewFlow creates a flow over client.
func NewFlow(client Client) *Flow {
	return &Flow{client: client}
}

// Route picks the request a submission makes given the current status.
func Route(current status.EntitlementStatus) Action {
	if current.Registered() {
		return ActionUnregister
	}
	return ActionRegister
}

// StartRegistration asks the register server for a private socket and emits
// its address. If the call fails the channel closes without a value.
func (f *Flow) StartRegistration(ctx context.Context) <-chan string {
	logger := logging.FromContext(ctx)
	raw := stream.FromCall(ctx, f.client.StartRegisterServer, func(err error) {
		logger.Error().Err(err).Msg("Failed to start register server")
	})
	return stream.Map(ctx, raw, ParseEndpoint)
}

// Register emits one result per payload. Payloads are only read once an
// endpoint is known, and each request goes to the latest endpoint.
func (f *Flow) Register(ctx context.Context, endpoints <-chan string, payloads <-chan Payload) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)

		endpoint, ok := stream.First(ctx, endpoints)
		if !ok {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case e, open := <-endpoints:
				if !open {
					endpoints = nil
					continue
				}
				endpoint = e
			case p, open := <-payloads:
				if !open {
					return
				}
				if !stream.Send(ctx, out, f.register(ctx, endpoint, p)) {
					return
				}
			}
		}
	}()
	return out
}

// Unregister emits one result per payload.
func (f *Flow) Unregister(ctx context.Context, payloads <-chan Payload) <-chan Result {
	return stream.Map(ctx, payloads, func(p Payload) Result {
		return f.unregister(ctx, p)
	})
}

// Submit routes one payload on the current status and emits its result.
// A register submission whose endpoint never arrives fails instead of
// hanging. The register server is stopped again once every call made
// through it has returned, including after cancellation.
func (f *Flow) Submit(ctx context.Context, current status.EntitlementStatus, payload Payload) <-chan Result {
	if Route(current) == ActionUnregister {
		return f.Unregister(ctx, stream.Of(ctx, payload))
	}

	out := make(chan Result)
	go func() {
		defer close(out)

		endpoints := f.StartRegistration(ctx)
		results := f.Register(ctx, endpoints, stream.Of(ctx, payload))
		res, ok := stream.Last(ctx, results)
		// A cancelled call is still unwinding here; the server is only
		// stopped once nothing is talking to it.
		stream.Wait(results)
		stream.Wait(endpoints)
		if ctx.Err() != nil {
			f.stop(ctx)
			return
		}
		if !ok {
			res = f.failure(ActionRegister, MessageRegisterFailed)
		} else {
			f.stop(ctx)
		}
		stream.Send(ctx, out, res)
	}()
	return out
}

func (f *Flow) register(ctx context.Context, endpoint string, p Payload) Result {
	logger := logging.FromContext(ctx)

	var (
		reply string
		err   error
	)
	if p.UsesActivationKeys() {
		reply, err = f.client.RegisterWithActivationKeys(ctx, endpoint, p.ActivationKeyRequest())
	} else {
		reply, err = f.client.Register(ctx, endpoint, p.RegisterRequest())
	}
	if err != nil {
		logger.Error().Err(err).Str("endpoint", endpoint).Msg("Registration failed")
		return f.failure(ActionRegister, MessageRegisterFailed)
	}

	logger.Info().Msg("System registered")
	metrics.RecordFlowResult(string(ActionRegister), string(Success))
	return Result{Action: ActionRegister, Kind: Success, Message: reply}
}

func (f *Flow) unregister(ctx context.Context, p Payload) Result {
	logger := logging.FromContext(ctx)
	if err := f.client.Unregister(ctx, p.UnregisterRequest()); err != nil {
		logger.Error().Err(err).Msg("Unregistration failed")
		return f.failure(ActionUnregister, MessageUnregisterFailed)
	}

	logger.Info().Msg("System unregistered")
	metrics.RecordFlowResult(string(ActionUnregister), string(Success))
	return Result{Action: ActionUnregister, Kind: Success, Message: MessageUnregisterSucceeded}
}

func (f *Flow) failure(action Action, message string) Result {
	metrics.RecordFlowResult(string(action), string(Failure))
	return Result{Action: action, Kind: Failure, Message: message}
}

// stop closes the register server. It runs even when ctx has ended so an
// abandoned session does not leave the socket open.
func (f *Flow) stop(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := f.client.StopRegisterServer(stopCtx); err != nil {
		logger := logging.FromContext(ctx)
		logger.Warn().Err(err).Msg("Failed to stop register server")
	}
}
