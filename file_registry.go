package mlflow

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	modelVersionDirPrefix = "version-"

	// https://github.com/mlflow/mlflow/blob/8cd2eb0f7975decefb88af60ac5cc4f968458ab3/mlflow/entities/model_registry/model_version_status.py
	ModelVersionStatusReady = "READY"
	// https://github.com/mlflow/mlflow/blob/8cd2eb0f7975decefb88af60ac5cc4f968458ab3/mlflow/entities/model_registry/model_version_stages.py
	stageNone = "None"
)

// Matches the layout of mlflow/store/model_registry/file_store.py.
type registeredModelMeta struct {
	CreationTimestamp    int64  `yaml:"creation_timestamp"`
	Description          string `yaml:"description"`
	LastUpdatedTimestamp int64  `yaml:"last_updated_timestamp"`
	Name                 string `yaml:"name"`
}

type modelVersionMeta struct {
	CreationTimestamp    int64  `yaml:"creation_timestamp"`
	CurrentStage         string `yaml:"current_stage"`
	Description          string `yaml:"description"`
	LastUpdatedTimestamp int64  `yaml:"last_updated_timestamp"`
	Name                 string `yaml:"name"`
	RunID                string `yaml:"run_id"`
	RunLink              string `yaml:"run_link"`
	Source               string `yaml:"source"`
	Status               string `yaml:"status"`
	StatusMessage        string `yaml:"status_message"`
	UserID               string `yaml:"user_id"`
	Version              int    `yaml:"version"`
}

func (s *FileStore) modelDir(name string) string {
	return filepath.Join(s.rootDir, modelsFolderName, name)
}

// Implements [Tracking.RegisterModel].
func (s *FileStore) RegisterModel(name, source, runID string, tags map[string]string) (*ModelVersion, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("mlflow.FileStore.RegisterModel: invalid model name %q", name)
	}
	modelDir := s.modelDir(name)
	now := time.Now().UnixMilli()
	rm := registeredModelMeta{Name: name, CreationTimestamp: now, LastUpdatedTimestamp: now}
	metaPath := filepath.Join(modelDir, metaDataFileName)
	if metaBytes, err := os.ReadFile(metaPath); err == nil {
		if err = yaml.Unmarshal(metaBytes, &rm); err != nil {
			return nil, fmt.Errorf("mlflow.FileStore.RegisterModel: error parsing %s: %w", metaPath, err)
		}
		rm.LastUpdatedTimestamp = now
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("mlflow.FileStore.RegisterModel: error reading model meta: %w", err)
	}
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return nil, fmt.Errorf("mlflow.FileStore.RegisterModel: error creating model dir: %w", err)
	}

	version, versionDir, err := s.claimModelVersion(modelDir)
	if err != nil {
		return nil, err
	}
	userName := ""
	if u, err := user.Current(); err == nil {
		userName = u.Username
	}
	mv := modelVersionMeta{
		CreationTimestamp:    now,
		CurrentStage:         stageNone,
		LastUpdatedTimestamp: now,
		Name:                 name,
		RunID:                runID,
		Source:               source,
		Status:               ModelVersionStatusReady,
		UserID:               userName,
		Version:              version,
	}
	tagsDir := filepath.Join(versionDir, tagsFolderName)
	if err := os.MkdirAll(tagsDir, 0755); err != nil {
		return nil, err
	}
	for _, tag := range sortedTags(tags) {
		if err := writeKeyedFile(tagsDir, tag.Key, []byte(tag.Val)); err != nil {
			return nil, fmt.Errorf("mlflow.FileStore.RegisterModel: error writing tag %q: %w", tag.Key, err)
		}
	}
	if err := writeYAML(filepath.Join(versionDir, metaDataFileName), mv); err != nil {
		return nil, err
	}
	if err := writeYAML(metaPath, rm); err != nil {
		return nil, err
	}
	return mv.toModelVersion(tags), nil
}

// Atomically reserves the next version directory; concurrent registrations
// of the same model each get a distinct version.
func (s *FileStore) claimModelVersion(modelDir string) (int, string, error) {
	entries, err := os.ReadDir(modelDir)
	if err != nil {
		return 0, "", fmt.Errorf("mlflow.FileStore.RegisterModel: error reading model dir: %w", err)
	}
	highest := 0
	for _, e := range entries {
		v, err := strconv.Atoi(strings.TrimPrefix(e.Name(), modelVersionDirPrefix))
		if e.IsDir() && err == nil && v > highest {
			highest = v
		}
	}
	for version := highest + 1; ; version++ {
		dir := filepath.Join(modelDir, modelVersionDirPrefix+strconv.Itoa(version))
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return version, dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return 0, "", fmt.Errorf("mlflow.FileStore.RegisterModel: error creating version dir: %w", err)
		}
	}
}

// GetModelVersion reads back a registered version.
func (s *FileStore) GetModelVersion(name, version string) (*ModelVersion, error) {
	versionDir := filepath.Join(s.modelDir(name), modelVersionDirPrefix+version)
	metaBytes, err := os.ReadFile(filepath.Join(versionDir, metaDataFileName))
	if err != nil {
		return nil, fmt.Errorf("model %s version %s: %w", name, version, err)
	}
	var mv modelVersionMeta
	if err = yaml.Unmarshal(metaBytes, &mv); err != nil {
		return nil, err
	}
	tagFiles, err := readKeyedFiles(filepath.Join(versionDir, tagsFolderName))
	if err != nil {
		return nil, err
	}
	tags := make(map[string]string, len(tagFiles))
	for k, v := range tagFiles {
		tags[k] = string(v)
	}
	return mv.toModelVersion(tags), nil
}

func (mv *modelVersionMeta) toModelVersion(tags map[string]string) *ModelVersion {
	copied := make(map[string]string, len(tags))
	for k, v := range tags {
		copied[k] = v
	}
	return &ModelVersion{
		Name:    mv.Name,
		Version: strconv.Itoa(mv.Version),
		Source:  mv.Source,
		RunID:   mv.RunID,
		Status:  mv.Status,
		Tags:    copied,
	}
}

// Replaces path atomically so that concurrent readers never see a partial file.
func writeYAML(path string, v interface{}) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err = tmp.Write(b); err != nil {
		tmp.Close() // ignore error; Write error takes precedence
		os.Remove(tmp.Name())
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Keys such as "eval/auc" are stored as nested files, as mlflow does.
func writeKeyedFile(dir, key string, data []byte) error {
	path := filepath.Join(dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Inverse of writeKeyedFile. A missing dir yields an empty map.
func readKeyedFiles(dir string) (map[string][]byte, error) {
	res := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		res[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
