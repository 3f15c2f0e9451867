package medinfer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/knights-analytics/medinfer/metrics"
	"github.com/knights-analytics/medinfer/options"
	"github.com/knights-analytics/medinfer/pipelines"
	"github.com/knights-analytics/medinfer/preprocess"
)

type (
	State         = options.RequestState
	StateObserver = options.StateObserver
)

const (
	StateIdle              = options.StateIdle
	StatePreprocessing     = options.StatePreprocessing
	StateInferring         = options.StateInferring
	StateFallbackInferring = options.StateFallbackInferring
	StatePostprocessing    = options.StatePostprocessing
	StateComplete          = options.StateComplete
	StateFailed            = options.StateFailed
)

// request tracks one Segment or Classify call through its states.
type request struct {
	task      string
	state     State
	started   time.Time
	logger    zerolog.Logger
	observer  StateObserver
	predictor string
	fallback  bool
	duration  time.Duration
}

func (p *Processor) newRequest(task string) *request {
	return &request{
		task:     task,
		state:    StateIdle,
		started:  time.Now(),
		logger:   p.logger.With().Str("task", task).Logger(),
		observer: p.options.StateObserver,
	}
}

func (r *request) transition(to State) {
	from := r.state
	r.state = to
	r.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("request state")
	if r.observer != nil {
		r.observer(r.task, from, to)
	}
}

// enter moves to the next stage unless ctx is already done.
func (r *request) enter(ctx context.Context, to State) error {
	if err := ctx.Err(); err != nil {
		return r.fail(err)
	}
	r.transition(to)
	return nil
}

func (r *request) fail(err error) error {
	r.transition(StateFailed)
	r.duration = time.Since(r.started)
	outcome := "error"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "cancelled"
	case errors.Is(err, preprocess.ErrUnreadableImage):
		outcome = "unreadable"
	}
	metrics.RecordRequest(r.task, r.predictor, outcome)
	r.logger.Debug().Err(err).Str("outcome", outcome).Msg("request failed")
	return err
}

func (r *request) complete(predictor pipelines.Predictor) {
	r.predictor = predictor.Name()
	r.fallback = predictor.Fallback()
	r.transition(StateComplete)
	r.duration = time.Since(r.started)
	outcome := "ok"
	if r.fallback {
		outcome = "fallback"
	}
	metrics.RecordRequest(r.task, r.predictor, outcome)
	metrics.ObserveStage(r.task, "total", r.duration)
}
