package mlflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// https://github.com/mlflow/mlflow/blob/8cd2eb0f7975decefb88af60ac5cc4f968458ab3/mlflow/store/tracking/file_store.py#L132
	trashFolderName     = ".trash"
	artifactsFolderName = "artifacts"
	modelsFolderName    = "models"
	metricsFolderName   = "metrics"
	paramsFolderName    = "params"
	tagsFolderName      = "tags"
	metaDataFileName    = "meta.yaml"

	// https://github.com/mlflow/mlflow/blob/8cd2eb0f7975decefb88af60ac5cc4f968458ab3/mlflow/entities/lifecycle_stage.py#L5
	LifecycleStageActive  = "active"
	LifecycleStageDeleted = "deleted"

	// https://github.com/mlflow/mlflow/blob/8cd2eb0f7975decefb88af60ac5cc4f968458ab3/mlflow/protos/service.proto#L439
	runStatusRunning   = 1
	runStatusScheduled = 2
	runStatusFinished  = 3
	runStatusFailed    = 4
	runStatusKilled    = 5
)

// Implements Tracking interface
type FileStore struct {
	rootDir string
}

func NewFileStore(rootDir string) (*FileStore, error) {
	rootDir, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("mlflow.NewFileStore: error getting absolute path: %w", err)
	}
	// Match the Python behavior of creating the default experiment.
	fs := &FileStore{rootDir: rootDir}
	if exp, _ := fs.GetExperiment(defaultExperimentID); exp == nil {
		if _, err := fs.createExperiment(defaultName, defaultExperimentID); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

func (fs *FileStore) URI() string {
	return fs.rootDir
}

// Lists the experiments under the root, skipping entries without meta.yaml
// such as the models folder.
func (fs *FileStore) experiments() ([]*fileExperiment, error) {
	entries, err := os.ReadDir(fs.rootDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mlflow.FileStore: listing experiments: %w", err)
	}
	var exps []*fileExperiment
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		expDir := filepath.Join(fs.rootDir, entry.Name())
		metaBytes, err := os.ReadFile(filepath.Join(expDir, metaDataFileName))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("mlflow.FileStore: reading experiment %s: %w", entry.Name(), err)
		}
		exp := &fileExperiment{rootDir: expDir, store: fs}
		if err = yaml.Unmarshal(metaBytes, &exp.experimentMeta); err != nil {
			return nil, fmt.Errorf("mlflow.FileStore: parsing experiment %s: %w", entry.Name(), err)
		}
		exps = append(exps, exp)
	}
	return exps, nil
}

// One past the highest numeric experiment directory.
func (fs *FileStore) nextExperimentID() (string, error) {
	entries, err := os.ReadDir(fs.rootDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("mlflow.FileStore: listing experiments: %w", err)
	}
	highest := -1
	for _, entry := range entries {
		if id, err := strconv.Atoi(entry.Name()); err == nil && id > highest {
			highest = id
		}
	}
	return strconv.Itoa(highest + 1), nil
}

func (fs *FileStore) ExperimentsByName() (map[string]Experiment, error) {
	exps, err := fs.experiments()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Experiment, len(exps))
	for _, exp := range exps {
		byName[exp.Name] = exp
	}
	return byName, nil
}

func (fs *FileStore) GetOrCreateExperimentWithName(name string) (Experiment, error) {
	if name == "" {
		name = defaultName
	}
	exps, err := fs.experiments()
	if err != nil {
		return nil, err
	}
	for _, exp := range exps {
		if exp.Name == name {
			return exp, nil
		}
	}
	return fs.createExperiment(name, "")
}

func (fs *FileStore) GetExperiment(id string) (Experiment, error) {
	if id == "" {
		id = defaultExperimentID
	}
	exps, err := fs.experiments()
	if err != nil {
		return nil, err
	}
	for _, exp := range exps {
		if exp.ExperimentID == id {
			return exp, nil
		}
	}
	return nil, fmt.Errorf("no experiment with id %s", id)
}

// ToURI turns a local path into a file:// URI.
func ToURI(path string) string {
	slashed := filepath.ToSlash(path)
	// Windows paths don't necessarily start with /
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	return "file://" + slashed
}

func (fs *FileStore) CreateExperiment(name string) (Experiment, error) {
	return fs.createExperiment(name, "")
}

func (fs *FileStore) createExperiment(name, id string) (Experiment, error) {
	if name == "" {
		name = defaultName
	}
	if id == "" {
		var err error
		if id, err = fs.nextExperimentID(); err != nil {
			return nil, err
		}
	}
	expDir := filepath.Join(fs.rootDir, id)
	if err := os.MkdirAll(expDir, 0755); err != nil {
		return nil, fmt.Errorf("mlflow.FileStore: creating experiment %s: %w", name, err)
	}
	now := time.Now().UnixMilli()
	exp := &fileExperiment{
		experimentMeta: experimentMeta{
			ArtifactLocation: ToURI(expDir),
			ExperimentID:     id,
			LifecycleStage:   LifecycleStageActive,
			CreationTime:     now,
			LastUpdateTime:   now,
			Name:             name,
		},
		rootDir: expDir,
		store:   fs,
	}
	if err := exp.syncMeta(); err != nil {
		return nil, fmt.Errorf("mlflow.FileStore: writing meta of experiment %s: %w", name, err)
	}
	return exp, nil
}

// Implements [Tracking.GetRun]. Run IDs are unique across experiments.
func (fs *FileStore) GetRun(runID string) (Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID is empty")
	}
	exps, err := fs.experiments()
	if err != nil {
		return nil, err
	}
	for _, exp := range exps {
		if _, err := os.Stat(filepath.Join(exp.rootDir, runID, metaDataFileName)); err == nil {
			return exp.GetRun(runID)
		}
	}
	return nil, fmt.Errorf("no run with id %s", runID)
}

func (fs *FileStore) UIURL() string {
	// Assumes UI is running on default port.
	return "http://127.0.0.1:5000/#"
}
