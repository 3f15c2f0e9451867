package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/medinfer/monitor"
	"github.com/knights-analytics/medinfer/options"
	"github.com/knights-analytics/medinfer/preprocess"
)

func checkT(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Test failed with error %s", err.Error())
	}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	checkT(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

const yamlConfig = `
backend: go
models_dir: /srv/models
target_shape: [64, 128, 128]
class_labels: [Effusion, Mass]
fallback_priors:
  Mass: 0.2
execution:
  intra_op_threads: 1
  inter_op_threads: 1
  mode: parallel
  optimization_level: basic
monitor:
  threshold: 0.9
  cooldown: 1m
  cpu_window: 2s
  interval: 10s
log_level: debug
`

func TestLoadFormats(t *testing.T) {
	cases := map[string]string{
		"cfg.yaml": yamlConfig,
		"cfg.json": `{"backend":"go","models_dir":"/srv/models","target_shape":[64,128,128],"class_labels":["Effusion","Mass"],
			"fallback_priors":{"Mass":0.2},"execution":{"intra_op_threads":1,"inter_op_threads":1,"mode":"parallel","optimization_level":"basic"},
			"monitor":{"threshold":0.9,"cooldown":"1m","cpu_window":"2s","interval":"10s"},"log_level":"debug"}`,
		"cfg.toml": `backend = "go"
models_dir = "/srv/models"
target_shape = [64, 128, 128]
class_labels = ["Effusion", "Mass"]
log_level = "debug"

[fallback_priors]
Mass = 0.2

[execution]
intra_op_threads = 1
inter_op_threads = 1
mode = "parallel"
optimization_level = "basic"

[monitor]
threshold = 0.9
cooldown = "1m"
cpu_window = "2s"
interval = "10s"
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeTempFile(t, name, content))
			checkT(t, err)
			assert.Equal(t, "/srv/models", cfg.ModelsDir)
			assert.Equal(t, []int{64, 128, 128}, cfg.TargetShape)
			assert.Equal(t, map[string]float32{"Mass": 0.2}, cfg.FallbackPriors)
			assert.Equal(t, "parallel", cfg.Execution.Mode)
			assert.Equal(t, "1m", cfg.Monitor.Cooldown)
			assert.Equal(t, "debug", cfg.LogLevel)
		})
	}
}

func TestOptions(t *testing.T) {
	cfg, err := Load(writeTempFile(t, "cfg.yml", yamlConfig))
	checkT(t, err)
	opts, err := cfg.Options()
	checkT(t, err)
	o, err := options.Apply(opts...)
	checkT(t, err)

	assert.Equal(t, options.BackendGo, o.Backend)
	assert.Equal(t, "/srv/models", o.ModelsDir)
	assert.Equal(t, [3]int{64, 128, 128}, o.TargetShape)
	assert.Equal(t, []string{"Effusion", "Mass"}, o.ClassLabels)
	assert.Equal(t, options.ExecutionConfig{
		IntraOpThreads:    1,
		InterOpThreads:    1,
		Mode:              options.ExecutionModeParallel,
		OptimizationLevel: options.GraphOptimizationLevelEnableBasic,
	}, o.Execution)
	assert.Equal(t, 10*time.Second, o.MonitorInterval)

	m, err := monitor.New(o.MonitorOptions...)
	checkT(t, err)
	assert.InDelta(t, 0.9, m.Threshold(), 1e-9)
	assert.Equal(t, time.Minute, m.Cooldown())
}

func TestEmptyConfigKeepsDefaults(t *testing.T) {
	opts, err := Config{}.Options()
	checkT(t, err)
	o, err := options.Apply(opts...)
	checkT(t, err)
	assert.Equal(t, options.Defaults().Execution, o.Execution)
	assert.Equal(t, preprocess.DefaultTargetShape, o.TargetShape)
	assert.Equal(t, preprocess.DefaultMaxPixels, o.MaxImagePixels)
	assert.Empty(t, o.MonitorOptions)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
	_, err = Load(writeTempFile(t, "cfg.txt", "not supported"))
	assert.Error(t, err)
	_, err = Load(writeTempFile(t, "cfg.json", "{"))
	assert.Error(t, err)

	_, err = Config{TargetShape: []int{1, 2}}.Options()
	assert.Error(t, err)
	opts, err := Config{MaxImagePixels: -1}.Options()
	checkT(t, err)
	_, err = options.Apply(opts...)
	assert.Error(t, err)
	_, err = Config{Monitor: Monitor{Cooldown: "soon"}}.Options()
	assert.Error(t, err)
	_, err = Config{Execution: Execution{Mode: "eager"}}.Options()
	assert.Error(t, err)

	opts, err = Config{Backend: "tpu"}.Options()
	checkT(t, err)
	_, err = options.Apply(opts...)
	require.Error(t, err)
}
