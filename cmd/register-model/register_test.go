package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/ff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	mlflow "github.com/Astera-org/register-model"
)

func TestModelFile(t *testing.T) {
	for _, folder := range []string{"driver-training", "outputs/model", "/abs/dir", "", "trailing/", "with space"} {
		assert.Equal(t, folder+"/porto_seguro_safe_driver_model.pkl", ModelFile(folder))
	}
}

func TestDefaultModelFolder(t *testing.T) {
	var cfg Config
	cmd := newCommand(&cfg, zaptest.NewLogger(t))
	require.NoError(t, cmd.Parse([]string{}))
	assert.Equal(t, "driver-training", cfg.ModelFolder)
	assert.Empty(t, cfg.TrackingURI)
}

func TestModelFolderFromFlagAndEnv(t *testing.T) {
	var cfg Config
	cmd := newCommand(&cfg, zaptest.NewLogger(t))
	require.NoError(t, cmd.Parse([]string{"--model_folder", "outputs"}))
	assert.Equal(t, "outputs", cfg.ModelFolder)

	t.Setenv(envVarPrefix+"_MODEL_FOLDER", "from-env")
	cfg = Config{}
	cmd = newCommand(&cfg, zaptest.NewLogger(t))
	require.NoError(t, cmd.Parse([]string{}, ff.WithEnvVarPrefix(envVarPrefix)))
	assert.Equal(t, "from-env", cfg.ModelFolder)
}

type pipeline struct {
	store  *mlflow.FileStore
	parent mlflow.Run
	step   mlflow.Run
	folder string
}

// Lays out what the training step leaves behind: a parent run with metrics,
// a child run for this step and the pickled model on disk.
func newPipeline(t *testing.T, withParent bool) *pipeline {
	dir := t.TempDir()
	store, err := mlflow.NewFileStore(filepath.Join(dir, "mlruns"))
	require.NoError(t, err)
	exp, err := store.GetOrCreateExperimentWithName("porto-seguro")
	require.NoError(t, err)
	parent, err := exp.CreateRun("pipeline")
	require.NoError(t, err)
	require.NoError(t, parent.LogMetrics([]mlflow.Metric{{Key: "AUC", Val: 0.6}, {Key: "Gini", Val: 0.2}}, 0))
	require.NoError(t, parent.LogMetric("AUC", 0.64, 1))

	step, err := exp.CreateRun("register_model")
	require.NoError(t, err)
	if withParent {
		require.NoError(t, step.SetTag(mlflow.ParentRunIDTagKey, parent.ID()))
	}

	folder := filepath.Join(dir, "driver-training")
	require.NoError(t, os.MkdirAll(folder, 0755))
	require.NoError(t, os.WriteFile(ModelFile(folder), []byte("\x80\x04pickle"), 0644))

	t.Setenv(mlflow.TrackingURIEnvName, "file://"+filepath.Join(dir, "mlruns"))
	t.Setenv(mlflow.RunIDEnvName, step.ID())
	return &pipeline{store: store, parent: parent, step: step, folder: folder}
}

func (p *pipeline) stepStatus(t *testing.T) string {
	run, err := p.store.GetRun(p.step.ID())
	require.NoError(t, err)
	return run.Status()
}

func TestRegisterModel(t *testing.T) {
	p := newPipeline(t, true)

	version, err := registerModel(Config{ModelFolder: p.folder}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, modelName, version.Name)
	assert.Equal(t, "1", version.Version)
	assert.Equal(t, p.step.ID(), version.RunID)
	assert.Equal(t, p.step.ArtifactURI()+"/"+modelName, version.Source)

	metrics, err := p.parent.GetMetrics()
	require.NoError(t, err)
	registered, err := p.store.GetModelVersion(modelName, "1")
	require.NoError(t, err)
	if diff := cmp.Diff(mlflow.MetricTags(metrics), registered.Tags); diff != "" {
		t.Errorf("registered tags differ from parent metrics (-want +got):\n%s", diff)
	}
	assert.Equal(t, map[string]string{"AUC": "0.64", "Gini": "0.2"}, registered.Tags)

	artifactDir := filepath.Join(filepath.Dir(p.folder), "mlruns", p.step.ExperimentID(), p.step.ID(), "artifacts")
	staged, err := os.ReadFile(filepath.Join(artifactDir, modelName))
	require.NoError(t, err)
	assert.Equal(t, "\x80\x04pickle", string(staged))

	gotFolder, err := p.step.GetParam("ModelFolder")
	require.NoError(t, err)
	assert.Equal(t, p.folder, gotFolder)
	assert.Equal(t, "FINISHED", p.stepStatus(t))
}

func TestRegisterModelMissingFile(t *testing.T) {
	p := newPipeline(t, true)

	_, err := registerModel(Config{ModelFolder: filepath.Join(p.folder, "nope")}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, "FAILED", p.stepStatus(t))
	_, err = p.store.GetModelVersion(modelName, "1")
	assert.Error(t, err, "nothing should be registered")
}

func TestRegisterModelWithoutParent(t *testing.T) {
	p := newPipeline(t, false)

	_, err := registerModel(Config{ModelFolder: p.folder}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, mlflow.ErrNoParentRun))
	assert.Equal(t, "FAILED", p.stepStatus(t))
}

func TestRegisterModelTrackingURIFlag(t *testing.T) {
	p := newPipeline(t, true)
	uri := os.Getenv(mlflow.TrackingURIEnvName)
	t.Setenv(mlflow.TrackingURIEnvName, "")

	_, err := registerModel(Config{ModelFolder: p.folder, TrackingURI: uri}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "FINISHED", p.stepStatus(t))
	assert.Empty(t, os.Getenv(mlflow.TrackingURIEnvName), "the flag must not leak into the environment")
}

func TestNewRunContext(t *testing.T) {
	t.Setenv(mlflow.TrackingURIEnvName, "http://from-env:5000")
	t.Setenv(mlflow.RunIDEnvName, "run0")
	t.Setenv(mlflow.ExperimentIDEnvName, "")
	t.Setenv(mlflow.BearerTokenEnvName, "token0")

	rc := newRunContext(Config{})
	assert.Equal(t, &runContext{
		MLFLOW_TRACKING_URI:   "http://from-env:5000",
		MLFLOW_TRACKING_TOKEN: "token0",
		MLFLOW_RUN_ID:         "run0",
	}, rc)

	rc = newRunContext(Config{TrackingURI: "file:///tmp/mlruns"})
	assert.Equal(t, "file:///tmp/mlruns", rc.MLFLOW_TRACKING_URI)
	assert.Equal(t, "run0", rc.MLFLOW_RUN_ID)
}

func TestRegisterModelRetriedInSameRun(t *testing.T) {
	p := newPipeline(t, true)

	_, err := registerModel(Config{ModelFolder: p.folder}, zaptest.NewLogger(t))
	require.NoError(t, err)
	version, err := registerModel(Config{ModelFolder: p.folder}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "2", version.Version)

	model, err := os.ReadFile(ModelFile(p.folder))
	require.NoError(t, err)
	assert.Equal(t, "\x80\x04pickle", string(model))
	artifactDir := filepath.Join(filepath.Dir(p.folder), "mlruns", p.step.ExperimentID(), p.step.ID(), "artifacts")
	staged, err := os.ReadFile(filepath.Join(artifactDir, modelName))
	require.NoError(t, err)
	assert.Equal(t, "\x80\x04pickle", string(staged))
	assert.Equal(t, "FINISHED", p.stepStatus(t))
}
