package mlflow

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type runMeta struct {
	ArtifactURI    string `yaml:"artifact_uri"`
	ExperimentID   string `yaml:"experiment_id"`
	LifecycleStage string `yaml:"lifecycle_stage"`
	EndTime        int64  `yaml:"end_time"`
	EntryPointName string `yaml:"entry_point_name"`
	RunID          string `yaml:"run_id"`
	RunName        string `yaml:"run_name"`
	RunUUID        string `yaml:"run_uuid"`
	SourceName     string `yaml:"source_name"`
	// https://github.com/mlflow/mlflow/blob/8cd2eb0f7975decefb88af60ac5cc4f968458ab3/mlflow/protos/service.proto#L421
	SourceType    int    `yaml:"source_type"`
	SourceVersion string `yaml:"source_version"`
	StartTime     int64  `yaml:"start_time"`
	// https://github.com/mlflow/mlflow/blob/8cd2eb0f7975decefb88af60ac5cc4f968458ab3/mlflow/protos/service.proto#L439
	Status int      `yaml:"status"`
	Tags   []string `yaml:"tags"`
	UserID string   `yaml:"user_id"`
}

type fileRun struct {
	runMeta
	rootDir string
	store   *FileStore
}

func (r *fileRun) ID() string {
	return r.RunID
}

func (r *fileRun) UIURL() string {
	// Assumes UI is running on default port.
	return fmt.Sprintf("http://127.0.0.1:5000/#/experiments/%s/runs/%s", r.runMeta.ExperimentID, r.RunID)
}

func (r *fileRun) ArtifactURI() string {
	return r.runMeta.ArtifactURI
}

func (r *fileRun) syncMeta() error {
	return writeYAML(filepath.Join(r.rootDir, metaDataFileName), r.runMeta)
}

// Re-reads meta.yaml, which another process (e.g. the pipeline driver) may
// have updated since this run was loaded.
func (r *fileRun) reloadMeta() error {
	metaBytes, err := os.ReadFile(filepath.Join(r.rootDir, metaDataFileName))
	if err != nil {
		return err
	}
	return yaml.Unmarshal(metaBytes, &r.runMeta)
}

func (r *fileRun) SetTag(key, value string) error {
	return writeKeyedFile(filepath.Join(r.rootDir, tagsFolderName), key, []byte(value))
}

func (r *fileRun) SetTags(tags []Tag) error {
	for _, tag := range tags {
		if err := r.SetTag(tag.Key, tag.Val); err != nil {
			return err
		}
	}
	return nil
}

func (r *fileRun) GetTag(key string) (string, error) {
	valBytes, err := os.ReadFile(filepath.Join(r.rootDir, tagsFolderName, filepath.FromSlash(key)))
	if err != nil {
		return "", err
	}
	return string(valBytes), nil
}

func (r *fileRun) ArtifactDir() string {
	return filepath.Join(r.rootDir, artifactsFolderName)
}

func (r *fileRun) artifactRepo() (ArtifactRepo, error) {
	// Respect an artifact_uri that points elsewhere, e.g. a run logged by a
	// REST client and later exported to disk.
	if parsed, err := url.Parse(r.runMeta.ArtifactURI); err == nil && parsed.Scheme == "file" && parsed.Path != "" {
		return NewFileArtifactRepo(filepath.FromSlash(parsed.Path))
	}
	return NewFileArtifactRepo(r.ArtifactDir())
}

func (r *fileRun) LogArtifact(localPath, artifactPath string) error {
	repo, err := r.artifactRepo()
	if err != nil {
		return err
	}
	localInfo, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	if localInfo.IsDir() {
		return repo.LogArtifacts(localPath, artifactPath)
	}
	return repo.LogArtifact(localPath, artifactPath)
}

func (r *fileRun) UploadFile(name, localPath string) error {
	repo, err := r.artifactRepo()
	if err != nil {
		return err
	}
	return repo.UploadFile(localPath, name)
}

func (r *fileRun) LogMetric(key string, val float64, step int64) error {
	if r.LifecycleStage != LifecycleStageActive {
		return fmt.Errorf("run %s is not active", r.RunName)
	}
	if r.runMeta.Status != runStatusRunning {
		return fmt.Errorf("run %s is not running", r.RunName)
	}
	path := filepath.Join(r.rootDir, metricsFolderName, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	// If the file doesn't exist, create it, or append to the file
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%d %s %d\n", time.Now().UnixMilli(), strconv.FormatFloat(val, 'g', -1, 64), step)
	if _, err := f.Write([]byte(line)); err != nil {
		f.Close() // ignore error; Write error takes precedence
		return err
	}
	return f.Close()
}

func (r *fileRun) LogMetrics(metrics []Metric, step int64) error {
	for _, metric := range metrics {
		if err := r.LogMetric(metric.Key, metric.Val, step); err != nil {
			return err
		}
	}
	return nil
}

type metricPoint struct {
	timestamp int64
	val       float64
	step      int64
}

// The latest point is the one with the highest step, then the highest timestamp.
func (p metricPoint) after(o metricPoint) bool {
	if p.step != o.step {
		return p.step > o.step
	}
	return p.timestamp >= o.timestamp
}

// Parses the "<timestamp> <value> <step>" lines written by LogMetric.
func latestMetricPoint(key string, data []byte) (metricPoint, error) {
	var latest metricPoint
	found := false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields) > 3 {
			return latest, fmt.Errorf("metric %s line %d: malformed %q", key, lineNo, line)
		}
		var p metricPoint
		var err error
		if p.timestamp, err = strconv.ParseInt(fields[0], 10, 64); err != nil {
			return latest, fmt.Errorf("metric %s line %d: bad timestamp: %w", key, lineNo, err)
		}
		if p.val, err = strconv.ParseFloat(fields[1], 64); err != nil {
			return latest, fmt.Errorf("metric %s line %d: bad value: %w", key, lineNo, err)
		}
		// Older mlflow versions did not record a step.
		if len(fields) == 3 {
			if p.step, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
				return latest, fmt.Errorf("metric %s line %d: bad step: %w", key, lineNo, err)
			}
		}
		if !found || p.after(latest) {
			latest = p
			found = true
		}
	}
	if err := scanner.Err(); err != nil {
		return latest, err
	}
	if !found {
		return latest, fmt.Errorf("metric %s has no values", key)
	}
	return latest, nil
}

func (r *fileRun) GetMetrics() (map[string]float64, error) {
	files, err := readKeyedFiles(filepath.Join(r.rootDir, metricsFolderName))
	if err != nil {
		return nil, fmt.Errorf("mlflow: reading metrics of run %s: %w", r.RunID, err)
	}
	metrics := make(map[string]float64, len(files))
	for key, data := range files {
		p, err := latestMetricPoint(key, data)
		if err != nil {
			return nil, fmt.Errorf("mlflow: run %s: %w", r.RunID, err)
		}
		metrics[key] = p.val
	}
	return metrics, nil
}

func (r *fileRun) paramPath(key string) string {
	return filepath.Join(r.rootDir, paramsFolderName, filepath.FromSlash(key))
}

func (r *fileRun) LogParam(key, value string) error {
	return writeKeyedFile(filepath.Join(r.rootDir, paramsFolderName), key, []byte(value))
}

func (r *fileRun) LogParams(params []Param) error {
	for _, param := range params {
		if err := r.LogParam(param.Key, param.Val); err != nil {
			return err
		}
	}
	return nil
}

func (r *fileRun) Parent() (Run, error) {
	parentID, err := r.GetTag(ParentRunIDTagKey)
	if err != nil || parentID == "" {
		return nil, fmt.Errorf("run %s: %w", r.RunID, ErrNoParentRun)
	}
	return r.store.GetRun(parentID)
}

func (r *fileRun) RegisterModel(modelPath, modelName string, tags map[string]string) (*ModelVersion, error) {
	source := strings.TrimSuffix(r.runMeta.ArtifactURI, "/") + "/" + strings.TrimPrefix(modelPath, "/")
	return r.store.RegisterModel(modelName, source, r.RunID, tags)
}

func (r *fileRun) finish(status int) error {
	if err := r.reloadMeta(); err != nil {
		return err
	}
	r.EndTime = time.Now().UnixMilli()
	r.runMeta.Status = status
	if err := r.syncMeta(); err != nil {
		return err
	}
	endIfActive(r)
	return nil
}

func (r *fileRun) End() error {
	return r.finish(runStatusFinished)
}

func (r *fileRun) Fail() error {
	return r.finish(runStatusFailed)
}

func (r *fileRun) Status() string {
	switch r.runMeta.Status {
	case runStatusRunning:
		return "RUNNING"
	case runStatusScheduled:
		return "SCHEDULED"
	case runStatusFinished:
		return restRunStatusFinished
	case runStatusFailed:
		return restRunStatusFailed
	case runStatusKilled:
		return "KILLED"
	}
	return fmt.Sprintf("UNKNOWN(%d)", r.runMeta.Status)
}

func (r *fileRun) ExperimentID() string {
	return r.runMeta.ExperimentID
}

func (r *fileRun) SetName(name string) error {
	r.RunName = name
	return r.syncMeta()
}

func (r *fileRun) Name() string {
	return r.RunName
}

func (r *fileRun) GetParam(key string) (string, error) {
	valBytes, err := os.ReadFile(r.paramPath(key))
	if err != nil {
		return "", fmt.Errorf("param with key %s not found", key)
	}
	return string(valBytes), nil
}
