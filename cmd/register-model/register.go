package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	mlflow "github.com/Astera-org/register-model"
)

const modelName = "porto_seguro_safe_driver_model"

// ModelFile is where the training step leaves the model inside folder.
func ModelFile(folder string) string {
	return folder + "/" + modelName + ".pkl"
}

// Settings of the run this step belongs to, read by mlflow.RunFromConfig.
type runContext struct {
	MLFLOW_TRACKING_URI   string
	MLFLOW_TRACKING_TOKEN string
	MLFLOW_RUN_ID         string
	MLFLOW_EXPERIMENT_ID  string
}

// The platform sets the MLFLOW_* variables. --tracking_uri takes precedence.
func newRunContext(cfg Config) *runContext {
	rc := &runContext{
		MLFLOW_TRACKING_URI:   os.Getenv(mlflow.TrackingURIEnvName),
		MLFLOW_TRACKING_TOKEN: os.Getenv(mlflow.BearerTokenEnvName),
		MLFLOW_RUN_ID:         os.Getenv(mlflow.RunIDEnvName),
		MLFLOW_EXPERIMENT_ID:  os.Getenv(mlflow.ExperimentIDEnvName),
	}
	if cfg.TrackingURI != "" {
		rc.MLFLOW_TRACKING_URI = cfg.TrackingURI
	}
	return rc
}

// Uploads the model to the current run and registers it, tagged with the
// metrics of the parent run. The run is marked failed if any step fails.
func registerModel(cfg Config, l *zap.Logger) (_ *mlflow.ModelVersion, err error) {
	log := l.Sugar()
	run, err := mlflow.RunFromConfig(cfg.Experiment, l, newRunContext(cfg))
	if err != nil {
		return nil, fmt.Errorf("getting run context: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if failErr := run.Fail(); failErr != nil {
			log.Errorw("failed to mark run as failed", "run_id", run.ID(), "error", failErr)
		}
	}()

	log.Infow("Loading model from "+cfg.ModelFolder, "run_id", run.ID())
	modelFile := ModelFile(cfg.ModelFolder)
	if _, err := os.Stat(modelFile); err != nil {
		return nil, fmt.Errorf("loading model: %w", err)
	}
	if err := mlflow.LogStructAsParams(run, cfg); err != nil {
		return nil, fmt.Errorf("logging params: %w", err)
	}

	parent, err := run.Parent()
	if err != nil {
		return nil, fmt.Errorf("getting metrics for registration: %w", err)
	}
	metrics, err := parent.GetMetrics()
	if err != nil {
		return nil, fmt.Errorf("getting metrics of parent run %s: %w", parent.ID(), err)
	}
	log.Infow("read parent metrics", "parent_run_id", parent.ID(), "metrics", metrics)

	if err := run.UploadFile(modelName, modelFile); err != nil {
		return nil, fmt.Errorf("uploading %s: %w", modelFile, err)
	}
	version, err := run.RegisterModel(modelName, modelName, mlflow.MetricTags(metrics))
	if err != nil {
		return nil, fmt.Errorf("registering model %s: %w", modelName, err)
	}
	log.Infow("registered model",
		"name", version.Name,
		"version", version.Version,
		"source", version.Source,
		"url", run.UIURL(),
	)

	if err := run.End(); err != nil {
		return nil, fmt.Errorf("completing run %s: %w", run.ID(), err)
	}
	return version, nil
}
