package medinfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"
	"golang.org/x/sync/semaphore"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/medinfer/backends"
	"github.com/knights-analytics/medinfer/metrics"
	"github.com/knights-analytics/medinfer/monitor"
	"github.com/knights-analytics/medinfer/options"
	"github.com/knights-analytics/medinfer/pipelines"
	"github.com/knights-analytics/medinfer/preprocess"
)

// Task names. Each task reads <modelsDir>/<task>.onnx (or <task>_optimized.onnx).
const (
	TaskSegmentation   = "lung_segmentation"
	TaskClassification = "chest_classification"
)

var (
	ErrUnreadableImage      = preprocess.ErrUnreadableImage
	ErrPostcondition        = pipelines.ErrPostcondition
	ErrPreconditionViolated = backends.ErrPreconditionViolated
)

// Processor serves segmentation and classification requests. Tasks whose artifact is missing are
// answered by a trained in-memory model when one was registered, otherwise by a deterministic fallback.
type Processor struct {
	options      *options.Options
	logger       zerolog.Logger
	manager      *backends.SessionManager
	preprocessor *preprocess.Preprocessor
	monitor      *monitor.Monitor
	coordinator  *monitor.Coordinator
	cpu          *semaphore.Weighted
	cores        int64

	segmentation         mo.Option[*pipelines.Segmentation]
	segmentationFallback *pipelines.Segmentation
	classification       mo.Option[*pipelines.Classification]
	classifyFallback     *pipelines.Classification
}

// NewProcessor loads both tasks and starts the reclaim coordinator. The only errors are invalid options,
// an invalid execution configuration and a backend that cannot be initialised.
func NewProcessor(opts ...options.WithOption) (*Processor, error) {
	o, err := options.Apply(opts...)
	if err != nil {
		return nil, err
	}
	manager, err := backends.NewSessionManager(o)
	if err != nil {
		return nil, err
	}
	p := &Processor{
		options: o,
		logger:  o.Logger.With().Str("component", "processor").Logger(),
		manager: manager,
		cores:   int64(manager.Cores()),
	}
	p.cpu = semaphore.NewWeighted(p.cores)

	if err = p.setup(); err != nil {
		return nil, errors.Join(err, p.Destroy())
	}
	p.coordinator = p.monitor.StartCoordinator(context.Background(), o.MonitorInterval, func(fired bool) {
		if fired {
			p.logger.Info().Msg("memory reclaimed")
		}
	})
	return p, nil
}

func (p *Processor) setup() error {
	o := p.options
	var err error
	p.preprocessor, err = preprocess.New(
		preprocess.WithTargetShape(o.TargetShape[0], o.TargetShape[1], o.TargetShape[2]),
		preprocess.WithMaxPixels(o.MaxImagePixels),
		preprocess.WithLogger(o.Logger),
	)
	if err != nil {
		return err
	}
	p.monitor, err = monitor.New(append([]monitor.Option{monitor.WithLogger(o.Logger)}, o.MonitorOptions...)...)
	if err != nil {
		return err
	}

	segPredictor, _, err := p.loadPredictor(TaskSegmentation)
	if err != nil {
		return err
	}
	p.segmentationFallback = pipelines.NewSegmentation(pipelines.OtsuPredictor{}, o.TargetShape)
	p.segmentation = mo.None[*pipelines.Segmentation]()
	if predictor, ok := segPredictor.Get(); ok {
		p.segmentation = mo.Some(pipelines.NewSegmentation(predictor, o.TargetShape))
	}

	clsPredictor, metadata, err := p.loadPredictor(TaskClassification)
	if err != nil {
		return err
	}
	labels, err := pipelines.ResolveLabels(metadata, o.ClassLabels)
	if err != nil {
		p.logger.Warn().Err(err).Str("task", TaskClassification).Msg("ignoring artifact class labels")
		labels, _ = pipelines.ResolveLabels(nil, o.ClassLabels)
	}
	p.classifyFallback = pipelines.NewClassification(pipelines.NewPriorPredictor(labels, o.FallbackPriors), labels)
	p.classification = mo.None[*pipelines.Classification]()
	if predictor, ok := clsPredictor.Get(); ok {
		p.classification = mo.Some(pipelines.NewClassification(predictor, labels))
	}
	return nil
}

// loadPredictor prefers the task artifact, then a registered trained model. None means the task runs on
// its fallback.
func (p *Processor) loadPredictor(task string) (mo.Option[pipelines.Predictor], map[string]string, error) {
	cfg := p.options.Execution
	session, err := p.manager.LoadTask(task, cfg)
	if err != nil {
		return mo.None[pipelines.Predictor](), nil, fmt.Errorf("loading %s: %w", task, err)
	}
	if s, ok := session.Get(); ok {
		predictor, predictorErr := pipelines.NewSessionPredictor(s)
		if predictorErr == nil {
			p.logger.Info().Str("task", task).Str("predictor", predictor.Name()).Msg("task ready")
			return mo.Some[pipelines.Predictor](predictor), s.Artifact.MetadataCopy(), nil
		}
		p.logger.Warn().Err(predictorErr).Str("task", task).Msg("artifact does not fit the task")
	}
	if model, ok := p.options.TrainedModels[task]; ok {
		p.logger.Info().Str("task", task).Str("predictor", pipelines.PredictorTrained).Msg("task ready")
		return mo.Some[pipelines.Predictor](pipelines.NewTrainedModelPredictor(model, cfg.IntraOpThreads)), nil, nil
	}
	p.logger.Warn().Str("task", task).Msg("no model available, serving fallback predictions")
	return mo.None[pipelines.Predictor](), nil, nil
}

// Segment returns the voxel mask of the image at imagePath.
func (p *Processor) Segment(ctx context.Context, imagePath string) (*SegmentationResult, error) {
	r := p.newRequest(TaskSegmentation)
	fallback := stage[*tensor.Dense]{predictor: p.segmentationFallback.Predictor(), postprocess: p.segmentationFallback.Postprocess}
	var primary *stage[*tensor.Dense]
	if s, ok := p.segmentation.Get(); ok {
		primary = &stage[*tensor.Dense]{predictor: s.Predictor(), postprocess: s.Postprocess}
	}
	mask, err := execute(ctx, p, r, imagePath, primary, fallback)
	if err != nil {
		return nil, err
	}
	return newSegmentationResult(mask, r), nil
}

// Classify returns an independent confidence in [0, 1] per label for the image at imagePath.
func (p *Processor) Classify(ctx context.Context, imagePath string) (*ClassificationResult, error) {
	r := p.newRequest(TaskClassification)
	fallback := stage[map[string]float32]{predictor: p.classifyFallback.Predictor(), postprocess: p.classifyFallback.Postprocess}
	var primary *stage[map[string]float32]
	labels := p.classifyFallback.Labels()
	if c, ok := p.classification.Get(); ok {
		primary = &stage[map[string]float32]{predictor: c.Predictor(), postprocess: c.Postprocess}
	}
	confidences, err := execute(ctx, p, r, imagePath, primary, fallback)
	if err != nil {
		return nil, err
	}
	return &ClassificationResult{
		Confidences: confidences,
		Labels:      labels,
		Predictor:   r.predictor,
		Fallback:    r.fallback,
		Duration:    r.duration,
	}, nil
}

type stage[R any] struct {
	predictor   pipelines.Predictor
	postprocess func(*tensor.Dense) (R, error)
}

func execute[R any](ctx context.Context, p *Processor, r *request, imagePath string, primary *stage[R], fallback stage[R]) (R, error) {
	var zero R
	defer p.coordinator.Nudge()

	if err := r.enter(ctx, options.StatePreprocessing); err != nil {
		return zero, err
	}
	started := time.Now()
	x, err := p.preprocessor.Process(imagePath)
	metrics.ObserveStage(r.task, "preprocess", time.Since(started))
	if err != nil {
		return zero, r.fail(err)
	}

	if primary != nil {
		if err = r.enter(ctx, options.StateInferring); err != nil {
			return zero, err
		}
		raw, predictErr := p.predict(ctx, r, primary.predictor, x)
		switch {
		case predictErr == nil:
			if err = r.enter(ctx, options.StatePostprocessing); err != nil {
				return zero, err
			}
			out, postErr := primary.postprocess(raw)
			if postErr != nil {
				return zero, r.fail(postErr)
			}
			r.complete(primary.predictor)
			return out, nil
		case ctx.Err() != nil:
			return zero, r.fail(ctx.Err())
		default:
			p.logger.Warn().Err(predictErr).Str("task", r.task).Str("predictor", primary.predictor.Name()).Msg("prediction failed, using fallback")
		}
	}

	if err = r.enter(ctx, options.StateFallbackInferring); err != nil {
		return zero, err
	}
	raw, err := p.predict(ctx, r, fallback.predictor, x)
	if err != nil {
		return zero, r.fail(err)
	}
	out, err := fallback.postprocess(raw)
	if err != nil {
		return zero, r.fail(err)
	}
	r.complete(fallback.predictor)
	return out, nil
}

// predict holds predictor.Weight() cores of the shared CPU budget for the duration of the call.
func (p *Processor) predict(ctx context.Context, r *request, predictor pipelines.Predictor, x *tensor.Dense) (*tensor.Dense, error) {
	weight := min(max(predictor.Weight(), 1), p.cores)
	if err := p.cpu.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	defer p.cpu.Release(weight)
	started := time.Now()
	out, err := predictor.Predict(ctx, x)
	metrics.ObserveStage(r.task, predictor.Name(), time.Since(started))
	return out, err
}

// Monitor exposes the resource monitor shared by all requests.
func (p *Processor) Monitor() *monitor.Monitor {
	return p.monitor
}

// Stats samples the resource monitor.
func (p *Processor) Stats() monitor.Stats {
	return p.monitor.Sample().Stats()
}

// TargetShape is the (depth, height, width) every mask is produced in.
func (p *Processor) TargetShape() [3]int {
	return p.preprocessor.TargetShape()
}

// Destroy stops the coordinator and releases every session.
func (p *Processor) Destroy() error {
	if p.coordinator != nil {
		p.coordinator.Stop()
	}
	var err error
	if p.manager != nil {
		err = p.manager.Destroy()
	}
	return errors.Join(err, p.options.Destroy())
}
