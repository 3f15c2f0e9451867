package options

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

var ErrInvalidExecutionConfig = errors.New("invalid execution config")

type ExecutionMode int

const (
	ExecutionModeSequential ExecutionMode = iota
	ExecutionModeParallel
)

func (m ExecutionMode) String() string {
	if m == ExecutionModeParallel {
		return "parallel"
	}
	return "sequential"
}

func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch strings.ToLower(s) {
	case "sequential", "":
		return ExecutionModeSequential, nil
	case "parallel":
		return ExecutionModeParallel, nil
	}
	return 0, fmt.Errorf("unknown execution mode %q", s)
}

type GraphOptimizationLevel int

const (
	GraphOptimizationLevelDisableAll     GraphOptimizationLevel = 0
	GraphOptimizationLevelEnableBasic    GraphOptimizationLevel = 1
	GraphOptimizationLevelEnableExtended GraphOptimizationLevel = 2
	GraphOptimizationLevelEnableAll      GraphOptimizationLevel = 99
)

var levelNames = map[GraphOptimizationLevel]string{
	GraphOptimizationLevelDisableAll:     "disabled",
	GraphOptimizationLevelEnableBasic:    "basic",
	GraphOptimizationLevelEnableExtended: "extended",
	GraphOptimizationLevelEnableAll:      "all",
}

func (l GraphOptimizationLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

func ParseGraphOptimizationLevel(s string) (GraphOptimizationLevel, error) {
	for level, name := range levelNames {
		if strings.EqualFold(name, s) {
			return level, nil
		}
	}
	if s == "" {
		return GraphOptimizationLevelEnableAll, nil
	}
	return 0, fmt.Errorf("unknown graph optimization level %q", s)
}

// ExecutionConfig holds the CPU tuning of an inference session.
type ExecutionConfig struct {
	IntraOpThreads    int
	InterOpThreads    int
	Mode              ExecutionMode
	OptimizationLevel GraphOptimizationLevel
}

// DefaultExecutionConfig uses four intra-op threads (fewer on small machines), one inter-op thread,
// sequential execution and every graph optimization.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		IntraOpThreads:    min(4, runtime.NumCPU()),
		InterOpThreads:    1,
		Mode:              ExecutionModeSequential,
		OptimizationLevel: GraphOptimizationLevelEnableAll,
	}
}

// Weight is the number of cores a session with this configuration may keep busy.
func (c ExecutionConfig) Weight() int64 {
	return int64(max(c.IntraOpThreads, 1)) * int64(max(c.InterOpThreads, 1))
}

// Validate checks the configuration against the number of logical cores.
func (c ExecutionConfig) Validate(cores int) error {
	switch {
	case c.IntraOpThreads < 1 || c.InterOpThreads < 1:
		return fmt.Errorf("%w: thread counts must be positive (intra %d, inter %d)", ErrInvalidExecutionConfig, c.IntraOpThreads, c.InterOpThreads)
	case c.IntraOpThreads*c.InterOpThreads > cores:
		return fmt.Errorf("%w: intra %d x inter %d threads exceed %d logical cores", ErrInvalidExecutionConfig, c.IntraOpThreads, c.InterOpThreads, cores)
	case c.Mode != ExecutionModeSequential && c.Mode != ExecutionModeParallel:
		return fmt.Errorf("%w: unknown execution mode %d", ErrInvalidExecutionConfig, c.Mode)
	}
	if _, ok := levelNames[c.OptimizationLevel]; !ok {
		return fmt.Errorf("%w: unknown graph optimization level %d", ErrInvalidExecutionConfig, c.OptimizationLevel)
	}
	return nil
}

// Clamp reduces the thread counts until the configuration fits on cores, shrinking inter-op first.
func (c ExecutionConfig) Clamp(cores int) ExecutionConfig {
	cores = max(cores, 1)
	c.IntraOpThreads = min(max(c.IntraOpThreads, 1), cores)
	c.InterOpThreads = max(c.InterOpThreads, 1)
	for c.IntraOpThreads*c.InterOpThreads > cores {
		c.InterOpThreads--
	}
	return c
}
