package backends

import (
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/samber/mo"

	"github.com/knights-analytics/medinfer/metrics"
	"github.com/knights-analytics/medinfer/onnx"
	"github.com/knights-analytics/medinfer/optimizer"
	"github.com/knights-analytics/medinfer/options"
	"github.com/knights-analytics/medinfer/util/fileutil"
)

// SessionManager loads artifacts into sessions of the configured backend and owns their lifetime.
type SessionManager struct {
	options    *options.Options
	logger     zerolog.Logger
	cores      int
	mu         sync.Mutex
	sessions   []*Session
	destroyEnv func() error
}

func NewSessionManager(o *options.Options) (*SessionManager, error) {
	if o == nil {
		o = options.Defaults()
	}
	m := &SessionManager{
		options: o,
		logger:  o.Logger.With().Str("component", "sessions").Logger(),
		cores:   runtime.NumCPU(),
	}
	if o.Backend == options.BackendORT {
		destroy, err := initialiseORT(o)
		if err != nil {
			return nil, err
		}
		m.destroyEnv = destroy
	}
	return m, nil
}

// Cores is the number of logical cores execution configurations are validated against.
func (m *SessionManager) Cores() int {
	return m.cores
}

// Load opens the artifact at path (local or s3://) with cfg. A path that does not resolve to a
// readable, decodable and executable artifact yields None and a warning, never an error. The only
// error is an invalid configuration.
func (m *SessionManager) Load(path string, cfg options.ExecutionConfig) (mo.Option[*Session], error) {
	if err := cfg.Validate(m.cores); err != nil {
		return mo.None[*Session](), err
	}
	artifact, err := onnx.ReadArtifact(path)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("inference artifact unavailable")
		return mo.None[*Session](), nil
	}
	e, err := m.newEngine(artifact, cfg)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", path).Str("backend", m.options.Backend).Msg("inference artifact cannot be executed")
		return mo.None[*Session](), nil
	}
	s := newSession(artifact, cfg, m.options.Backend, e)
	m.mu.Lock()
	m.sessions = append(m.sessions, s)
	m.mu.Unlock()

	m.logger.Info().
		Str("path", path).
		Str("backend", m.options.Backend).
		Int64("opset", artifact.Opset).
		Strs("inputs", artifact.InputNames).
		Strs("outputs", artifact.OutputNames).
		Int("intra_op_threads", cfg.IntraOpThreads).
		Int("inter_op_threads", cfg.InterOpThreads).
		Stringer("mode", cfg.Mode).
		Stringer("optimization_level", cfg.OptimizationLevel).
		Msg("inference session loaded")
	return mo.Some(s), nil
}

// ArtifactPath resolves the artifact of task: <modelsDir>/<task>_optimized.onnx when present,
// otherwise <modelsDir>/<task>.onnx.
func (m *SessionManager) ArtifactPath(task string) string {
	base := fileutil.PathJoinSafe(m.options.ModelsDir, task+".onnx")
	optimized := optimizer.OptimizedPath(base)
	if exists, err := fileutil.FileExists(optimized); err == nil && exists {
		return optimized
	}
	return base
}

func (m *SessionManager) LoadTask(task string, cfg options.ExecutionConfig) (mo.Option[*Session], error) {
	session, err := m.Load(m.ArtifactPath(task), cfg)
	if err != nil {
		return session, err
	}
	metrics.RecordSession(task, session.IsPresent())
	return session, nil
}

// Tasks lists the task names with an artifact in the models directory.
func (m *SessionManager) Tasks() ([]string, error) {
	dir := m.options.ModelsDir
	exists, err := fileutil.FileExists(dir)
	if err != nil || !exists {
		return nil, err
	}
	var names []string
	walker := func(_ context.Context, _ string, _ string, info os.FileInfo, _ io.Reader) (bool, error) {
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".onnx") {
			name := strings.TrimSuffix(info.Name(), ".onnx")
			names = append(names, strings.TrimSuffix(name, optimizer.OptimizedSuffix))
		}
		return true, nil
	}
	if err = fileutil.WalkDir()(context.Background(), dir, walker); err != nil {
		return nil, err
	}
	names = lo.Uniq(names)
	slices.Sort(names)
	return names, nil
}

func (m *SessionManager) newEngine(artifact *onnx.Artifact, cfg options.ExecutionConfig) (engine, error) {
	switch m.options.Backend {
	case options.BackendGonnx:
		return newGonnxEngine(artifact, cfg)
	case options.BackendORT:
		return newORTEngine(artifact, cfg, m.options)
	default:
		return newNativeEngine(artifact, cfg)
	}
}

// Destroy releases every session and the backend environment.
func (m *SessionManager) Destroy() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = nil
	m.mu.Unlock()

	var err error
	for _, s := range sessions {
		err = errors.Join(err, s.Destroy())
	}
	if m.destroyEnv != nil {
		err = errors.Join(err, m.destroyEnv())
		m.destroyEnv = nil
	}
	return err
}
