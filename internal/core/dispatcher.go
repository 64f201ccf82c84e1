package core

import (
	"context"

	"LeverLedger/internal/event"

	"github.com/rs/zerolog"
)

type request struct {
	ctx   context.Context
	cmd   event.Event
	view  func(*DeterministicCore) error
	reply chan response
}

type response struct {
	result *Result
	err    error
}

// Dispatcher serializes every caller onto the goroutine that owns the core.
// Commands and views from any number of goroutines interleave in arrival
// order; each sees only fully committed state.
type Dispatcher struct {
	core     *DeterministicCore
	requests chan request
	stopped  chan struct{}
	logger   zerolog.Logger
}

func NewDispatcher(core *DeterministicCore, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		core:     core,
		requests: make(chan request),
		stopped:  make(chan struct{}),
		logger:   logger,
	}
}

// Run owns the core until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.stopped)
	d.logger.Info().Int64("sequence", d.core.GetSequence()).Msg("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Int64("sequence", d.core.GetSequence()).Msg("dispatcher stopped")
			return nil
		case req := <-d.requests:
			if req.view != nil {
				req.reply <- response{err: req.view(d.core)}
				continue
			}
			result, err := d.core.ProcessCommand(req.ctx, req.cmd)
			req.reply <- response{result: result, err: err}
		}
	}
}

// Submit runs cmd on the core and waits for its result. Once accepted a
// command always runs to commit or rollback, even if ctx is cancelled.
func (d *Dispatcher) Submit(ctx context.Context, cmd event.Event) (*Result, error) {
	resp, err := d.do(ctx, request{ctx: context.WithoutCancel(ctx), cmd: cmd})
	if err != nil {
		return nil, err
	}
	return resp.result, resp.err
}

// View runs fn on the core goroutine between commands.
func (d *Dispatcher) View(ctx context.Context, fn func(*DeterministicCore) error) error {
	resp, err := d.do(ctx, request{view: fn})
	if err != nil {
		return err
	}
	return resp.err
}

func (d *Dispatcher) do(ctx context.Context, req request) (response, error) {
	if InCoreCall(ctx) {
		return response{}, ErrReentrantCall
	}
	req.reply = make(chan response, 1)

	select {
	case d.requests <- req:
	case <-d.stopped:
		return response{}, ErrCoreStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}

	return <-req.reply, nil
}
