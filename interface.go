package mlflow

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	TrackingURIEnvName  = "MLFLOW_TRACKING_URI"
	ExperimentIDEnvName = "MLFLOW_EXPERIMENT_ID"
	RunIDEnvName        = "MLFLOW_RUN_ID"
	BearerTokenEnvName  = "MLFLOW_TRACKING_TOKEN"

	// https://www.mlflow.org/docs/latest/tracking.html#system-tags
	GitCommitTagKey   = "mlflow.source.git.commit"
	ParentRunIDTagKey = "mlflow.parentRunId"
	UserTagKey        = "mlflow.user"
	SourceNameTagKey  = "mlflow.source.name"
	SourceTypeTagKey  = "mlflow.source.type"

	SourceTypeJob   = "JOB"
	SourceTypeLocal = "LOCAL"

	HostTagKey = "host"

	// https://github.com/mlflow/mlflow/blob/da4fe0f1509ff5062016b2efc05e73876db118c2/mlflow/tracking/default_experiment/__init__.py#L1
	defaultExperimentID = "0"
	// https://github.com/mlflow/mlflow/blob/da4fe0f1509ff5062016b2efc05e73876db118c2/mlflow/entities/experiment.py#L14
	defaultName = "Default"

	tokenPath = "mlflow-token.txt"
	// Same default as the python client: a file store in the working directory.
	defaultTrackingURI = "./mlruns"
)

var (
	ErrUnsupported = errors.New("this operation not supported by this tracking client")
	ErrNoParentRun = errors.New("run has no parent run")
)

type Tracking interface {
	ExperimentsByName() (map[string]Experiment, error)
	CreateExperiment(name string) (Experiment, error)
	GetOrCreateExperimentWithName(name string) (Experiment, error)
	GetExperiment(id string) (Experiment, error)
	// Looks a run up by ID regardless of which experiment it belongs to.
	GetRun(runID string) (Run, error)
	// Creates the registered model if needed and adds a new version of it.
	RegisterModel(name, source, runID string, tags map[string]string) (*ModelVersion, error)
	URI() string
	UIURL() string
}

type Experiment interface {
	CreateRun(name string) (Run, error)
	GetRun(runId string) (Run, error)
	ID() string
}

type Metric struct {
	Key string
	Val float64
}

type Param struct {
	Key string
	Val string
}

type Tag struct {
	Key string
	Val string
}

// ModelVersion is a single registered version of a model.
type ModelVersion struct {
	Name    string
	Version string
	Source  string
	RunID   string
	Status  string
	Tags    map[string]string
}

type Run interface {
	SetName(name string) error
	Name() string
	SetTag(key, value string) error
	SetTags(tags []Tag) error
	GetTag(key string) (string, error)
	LogArtifact(localPath, artifactPath string) error
	// Stages a single file so that it is stored at exactly artifact path name.
	UploadFile(name, localPath string) error
	LogMetric(key string, val float64, step int64) error
	LogMetrics(metrics []Metric, step int64) error
	// Latest value of each metric logged to the run.
	GetMetrics() (map[string]float64, error)
	LogParam(key, value string) error
	LogParams(params []Param) error
	GetParam(key string) (string, error)
	// The run that spawned this one, per the mlflow.parentRunId tag.
	// Returns ErrNoParentRun if there is none.
	Parent() (Run, error)
	// Registers the artifact at modelPath (relative to the run's artifact root)
	// as a new version of modelName.
	RegisterModel(modelPath, modelName string, tags map[string]string) (*ModelVersion, error)
	End() error
	Fail() error
	// One of RUNNING, SCHEDULED, FINISHED, FAILED, KILLED.
	Status() string
	UIURL() string
	ArtifactURI() string
	ID() string
	ExperimentID() string
}

type ArtifactRepo interface {
	// Uploads localPath into the directory artifactPath.
	LogArtifact(localPath, artifactPath string) error
	LogArtifacts(localDir, artifactPath string) error
	// Uploads localPath to exactly destPath.
	UploadFile(localPath, destPath string) error
}

// MetricTags renders metrics as registry tags. Keys are kept as is.
func MetricTags(metrics map[string]float64) map[string]string {
	tags := make(map[string]string, len(metrics))
	for k, v := range metrics {
		tags[k] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return tags
}

// Sorted so that request bodies and files are deterministic.
func sortedTags(tags map[string]string) []Tag {
	res := make([]Tag, 0, len(tags))
	for k, v := range tags {
		res = append(res, Tag{Key: k, Val: v})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Key < res[j].Key })
	return res
}

func NewTracking(uri, bearerToken string, l *zap.Logger) (Tracking, error) {
	l = loggerOrNop(l)
	if uri == "" {
		uri = os.Getenv(TrackingURIEnvName)
	}
	if uri == "" {
		uri = defaultTrackingURI
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("mlflow.NewTracking: invalid tracking URI %q: %w", uri, err)
	}
	if bearerToken == "" {
		bearerToken = getToken(l)
	}
	switch parsed.Scheme {
	case "file", "":
		if bearerToken != "" {
			l.Debug("bearer token ignored for local file tracking URI")
		}
		return NewFileStore(parsed.Path)
	case "http", "https":
		return NewRESTStore(uri, bearerToken)
	}
	return nil, fmt.Errorf("support for tracking service with URI scheme %s not implemented", parsed.Scheme)
}

func loggerOrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

var activeRunMtx sync.Mutex
var activeRun Run = nil

func getToken(l *zap.Logger) string {
	log := l.Sugar()
	token := os.Getenv(BearerTokenEnvName)
	if token != "" {
		return token
	}
	var f *os.File
	var err error

	// Check current directory and its ancestors.
	dir := "."
	for {
		dir, err = filepath.Abs(dir)
		if err != nil {
			log.Debugw("failed to get absolute path", "dir", dir, "error", err)
			return ""
		}
		if f, err = os.Open(filepath.Join(dir, tokenPath)); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		// Hit root of repo or file system.
		if _, err = os.Stat(filepath.Join(dir, ".git")); err == nil || parent == dir {
			break
		}
		dir = parent
	}

	if f == nil {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			f, err = os.Open(filepath.Join(homeDir, tokenPath))
		}
		if err != nil {
			log.Debugw("no token file found in CWD, its ancestors, or home dir", "file", tokenPath)
			return ""
		}
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(scanner.Text())
}

// Returns the singleton run context of the current process.
// If MLFLOW_RUN_ID is set, that run is fetched from the tracking store.
// This is how a pipeline step attaches to the run the platform created for it.
// Otherwise a new run is created in the experiment named experimentName,
// falling back to:
// 1. The value of the MLFLOW_EXPERIMENT_ID environment variable.
// 2. The experiment with ID "0".
func RunFromContext(experimentName string, l *zap.Logger) (Run, error) {
	return getActiveRun(experimentName, l, os.Getenv)
}

// Same as RunFromContext, but the settings are read from the string fields of
// config, e.g. a struct with a field named MLFLOW_RUN_ID.
func RunFromConfig(experimentName string, l *zap.Logger, config interface{}) (Run, error) {
	return getActiveRun(experimentName, l, func(key string) string {
		return stringFieldFromStruct(key, config)
	})
}

func getActiveRun(experimentName string, l *zap.Logger, getConfig func(string) string) (Run, error) {
	l = loggerOrNop(l)
	log := l.Sugar()
	activeRunMtx.Lock()
	defer activeRunMtx.Unlock()
	if activeRun != nil {
		if experimentName != "" {
			log.Infow("active run already exists, ignoring experiment name", "experiment", experimentName)
		}
		return activeRun, nil
	}
	tracking, err := NewTracking(getConfig(TrackingURIEnvName), getConfig(BearerTokenEnvName), l)
	if err != nil {
		return nil, err
	}

	runID := getConfig(RunIDEnvName)
	if runID != "" {
		// In theory we could create the run here, but to match
		// the behavior of the Python client, we just fail.
		run, err := tracking.GetRun(runID)
		if err != nil {
			return nil, fmt.Errorf("mlflow: run %s from %s: %w", runID, RunIDEnvName, err)
		}
		activeRun = run
	} else {
		var exp Experiment
		expID := getConfig(ExperimentIDEnvName)
		if expID != "" {
			exp, err = tracking.GetExperiment(expID)
			if experimentName != "" {
				log.Infow("ignoring experiment name, using experiment ID", "experiment", experimentName, "experiment_id", expID)
			}
		} else if experimentName != "" {
			exp, err = tracking.GetOrCreateExperimentWithName(experimentName)
		} else {
			exp, err = tracking.GetExperiment("")
		}
		if err != nil {
			return nil, err
		}

		run, err := exp.CreateRun("")
		if err != nil {
			return nil, err
		}
		host, _ := os.Hostname()
		tags := []Tag{{SourceTypeTagKey, SourceTypeLocal}, {HostTagKey, host}}
		// Note: UserTagKey may only be set during CreateRun, hence not set here.
		if err = run.SetTags(tags); err != nil {
			return nil, err
		}
		activeRun = run
	}
	uri := tracking.URI()
	if strings.HasPrefix(uri, "file:") || !strings.Contains(uri, ":") {
		log.Infow("MLFlow logging to local files only. To view, run: mlflow ui --backend-store-uri "+uri+" --port 0",
			"run_id", activeRun.ID())
	} else {
		log.Infow("to view MLFlow, open the run URL", "url", activeRun.UIURL())
	}
	return activeRun, nil
}

func endIfActive(run Run) {
	activeRunMtx.Lock()
	if activeRun == run {
		activeRun = nil
	}
	activeRunMtx.Unlock()
}

func stringFieldFromStruct(key string, config interface{}) string {
	val := reflect.ValueOf(config)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return ""
	}
	field := val.FieldByName(key)
	if field.Kind() != reflect.String {
		return ""
	}
	return field.String()
}

func LogStructAsParams(run Run, obj interface{}) error {
	objVal := reflect.ValueOf(obj)
	if objVal.Kind() == reflect.Ptr {
		objVal = objVal.Elem()
	}
	if objVal.Kind() != reflect.Struct {
		return fmt.Errorf("LogStructAsParams expected struct, got %v", objVal.Kind())
	}
	params := make([]Param, 0)
	for _, field := range reflect.VisibleFields(objVal.Type()) {
		if !field.IsExported() {
			continue
		}
		fieldName := field.Name
		value := objVal.FieldByName(fieldName)
		if value.Kind() == reflect.Slice {
			for i := 0; i < value.Len(); i++ {
				params = append(params, Param{
					Key: fmt.Sprintf("%s_%d", fieldName, i), Val: fmt.Sprintf("%v", value.Index(i))})
			}
		} else {
			params = append(params, Param{Key: fieldName, Val: fmt.Sprintf("%v", value)})
		}
	}
	return run.LogParams(params)
}
