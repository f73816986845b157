package mlflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/replicate/go/httpclient"
)

// Implements Tracking interface
// See https://www.mlflow.org/docs/latest/rest-api.html
// for the REST API documentation.
type RESTStore struct {
	baseURL     string
	bearerToken string
	client      *http.Client
}

func NewRESTStore(baseURL, bearerToken string) (Tracking, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("mlflow.NewRESTStore: empty base URL")
	}
	return &RESTStore{baseURL: baseURL, bearerToken: bearerToken, client: newHTTPClient()}, nil
}

// Pooled, traced and retrying.
func newHTTPClient() *http.Client {
	return httpclient.ApplyRetryPolicy(httpclient.DefaultPooledClient())
}

func (rs *RESTStore) do(method, path string, req, res interface{}) error {
	if method == http.MethodGet && req != nil {
		return fmt.Errorf("GET requests cannot have a body")
	}
	url := rs.baseURL + "/api/2.0/mlflow/" + path
	var reqBody io.Reader
	if req != nil {
		reqJSON, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to marshall request to JSON: %w", err)
		}
		reqBody = bytes.NewReader(reqJSON)
	}

	httpReq, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	rs.authorize(httpReq)

	httpRes, err := rs.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", method, url, err)
	}
	defer httpRes.Body.Close()
	resBody, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if httpRes.StatusCode != http.StatusOK {
		apiErr := &APIError{Method: method, URL: url, StatusCode: httpRes.StatusCode, Body: string(resBody)}
		// Best effort: not every proxy in front of mlflow answers with JSON.
		_ = json.Unmarshal(resBody, apiErr)
		return apiErr
	}
	if res == nil {
		return nil
	}
	if err = json.Unmarshal(resBody, res); err != nil {
		return fmt.Errorf("failed to unmarshall response body: %s\n%w", resBody, err)
	}
	return nil
}

func (rs *RESTStore) authorize(req *http.Request) {
	if rs.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+rs.bearerToken)
	}
}

func (rs *RESTStore) URI() string {
	return rs.baseURL
}

func (rs *RESTStore) uiPrefix() string {
	if strings.Contains(rs.baseURL, "databricks.com") {
		return "#mlflow/"
	}
	return "#/"
}

func (rs *RESTStore) UIURL() string {
	return fmt.Sprintf("%s/%s", rs.baseURL, rs.uiPrefix())
}

func (rs *RESTStore) CreateExperiment(name string) (Experiment, error) {
	var resp createExperimentResponse
	err := rs.do(http.MethodPost,
		"experiments/create",
		createExperimentRequest{Name: name},
		&resp)
	if err != nil {
		return nil, err
	}
	return &restExperiment{rs, resp.ExperimentID}, nil
}

func (rs *RESTStore) ExperimentsByName() (map[string]Experiment, error) {
	experiments := make(map[string]Experiment)
	pageToken := ""
	for {
		var resp searchExperimentsResponse
		err := rs.do(http.MethodPost,
			"experiments/search",
			searchExperimentsRequest{MaxResults: 1000, PageToken: pageToken},
			&resp)
		if err != nil {
			return nil, err
		}
		for _, exp := range resp.Experiments {
			experiments[exp.Name] = &restExperiment{rs, exp.ExperimentID}
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return experiments, nil
}

func (rs *RESTStore) GetOrCreateExperimentWithName(name string) (Experiment, error) {
	if name == "" {
		name = defaultName
	}
	expsByName, err := rs.ExperimentsByName()
	if err != nil {
		return nil, err
	}
	if exp, ok := expsByName[name]; ok {
		return exp, nil
	}
	return rs.CreateExperiment(name)
}

func (rs *RESTStore) GetExperiment(id string) (Experiment, error) {
	if id == "" {
		id = defaultExperimentID
	}
	var resp getExperimentResponse
	err := rs.do(http.MethodGet, "experiments/get?experiment_id="+url.QueryEscape(id), nil, &resp)
	if err != nil {
		return nil, err
	}
	return &restExperiment{rs, resp.Experiment.ExperimentID}, nil
}

// Implements [Tracking.GetRun].
func (rs *RESTStore) GetRun(runID string) (Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID is empty")
	}
	var resp runResponse
	err := rs.do(http.MethodGet, "runs/get?run_id="+url.QueryEscape(runID), nil, &resp)
	if err != nil {
		return nil, err
	}
	return &restRun{resp.Run.Info, resp.Run.Data, rs}, nil
}

// Implements [Tracking.RegisterModel].
// An already registered model gets a new version.
func (rs *RESTStore) RegisterModel(name, source, runID string, tags map[string]string) (*ModelVersion, error) {
	return rs.registerModel(name, source, runID, "", tags)
}

func (rs *RESTStore) registerModel(name, source, runID, runLink string, tags map[string]string) (*ModelVersion, error) {
	err := rs.do(http.MethodPost,
		"registered-models/create",
		createRegisteredModelRequest{Name: name},
		nil)
	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.ErrorCode == ErrorCodeResourceAlreadyExists) {
		return nil, fmt.Errorf("creating registered model %s: %w", name, err)
	}
	var resp createModelVersionResponse
	err = rs.do(http.MethodPost,
		"model-versions/create",
		createModelVersionRequest{
			Name:    name,
			Source:  source,
			RunID:   runID,
			RunLink: runLink,
			Tags:    keyValuesFromTags(sortedTags(tags)),
		},
		&resp)
	if err != nil {
		return nil, fmt.Errorf("creating version of model %s: %w", name, err)
	}
	return resp.ModelVersion.toModelVersion(), nil
}

// Implements Experiment interface
type restExperiment struct {
	store *RESTStore
	id    string
}

func (exp *restExperiment) CreateRun(name string) (Run, error) {
	if name == "" {
		// This differs from Python client which generates a random adjective-noun-number.
		uuid := strings.ReplaceAll(uuid.NewString(), "-", "")
		name = uuid[0:8]
	}
	var resp runResponse
	userName := ""
	if user, err := user.Current(); err == nil {
		userName = user.Username
	}
	err := exp.store.do(http.MethodPost,
		"runs/create",
		createRunRequest{
			ExperimentID: exp.id,
			RunName:      name,
			StartTime:    time.Now().UnixMilli(),
			// Unfortunately Databricks ignores this tag.
			Tags: []restKeyValue{{Key: UserTagKey, Value: userName}},
		},
		&resp)
	if err != nil {
		return nil, err
	}
	return &restRun{resp.Run.Info, resp.Run.Data, exp.store}, nil
}

func (exp *restExperiment) GetRun(runID string) (Run, error) {
	return exp.store.GetRun(runID)
}

func (exp *restExperiment) ID() string {
	return exp.id
}

type restRun struct {
	info  restRunInfo
	data  restRunData
	store *RESTStore
}

func (r *restRun) upsertTag(key, value string) {
	for i := range r.data.Tags {
		if r.data.Tags[i].Key == key {
			r.data.Tags[i].Value = value
			return
		}
	}
	r.data.Tags = append(r.data.Tags, restKeyValue{Key: key, Value: value})
}

func (r *restRun) SetTag(key, value string) error {
	if err := r.store.do(http.MethodPost,
		"runs/set-tag",
		setTagRequest{RunID: r.info.RunID, Key: key, Value: value},
		nil); err != nil {
		return err
	}
	r.upsertTag(key, value)
	return nil
}

func (r *restRun) GetTag(key string) (string, error) {
	for _, tag := range r.data.Tags {
		if tag.Key == key {
			return tag.Value, nil
		}
	}
	return "", fmt.Errorf("tag %s not found", key)
}

func (r *restRun) ArtifactURI() string {
	return r.info.ArtifactURI
}

func (r *restRun) LogArtifact(localPath, artifactPath string) error {
	// based on
	// https://github.com/mlflow/mlflow/blob/e7ff52d724e3218704fde225493e52c5acd41bb6/mlflow/tracking/_tracking_service/client.py#L401
	artifactRepo, err := r.store.newArtifactRepo(r.info.ArtifactURI)
	if err != nil {
		return err
	}
	localInfo, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	if localInfo.IsDir() {
		return artifactRepo.LogArtifacts(localPath, artifactPath)
	}
	return artifactRepo.LogArtifact(localPath, artifactPath)
}

func (r *restRun) UploadFile(name, localPath string) error {
	artifactRepo, err := r.store.newArtifactRepo(r.info.ArtifactURI)
	if err != nil {
		return err
	}
	return artifactRepo.UploadFile(localPath, name)
}

func (r *restRun) LogMetric(key string, val float64, step int64) error {
	return r.store.do(http.MethodPost,
		"runs/log-metric",
		logMetricRequest{RunID: r.info.RunID, Key: key, Value: val, Step: step, Timestamp: time.Now().UnixMilli()},
		nil)
}

func chunkEndIndices(arrayLen, chunkSize int) []int {
	res := make([]int, 0, (arrayLen+chunkSize-1)/chunkSize)
	for i := 0; i < arrayLen; i += chunkSize {
		end := i + chunkSize
		if end > arrayLen {
			end = arrayLen
		}
		res = append(res, end)
	}
	return res
}

func (r *restRun) LogMetrics(metrics []Metric, step int64) error {
	const maxMetricsPerBatch = 1000
	timestamp := time.Now().UnixMilli()
	i := 0
	for _, endIdx := range chunkEndIndices(len(metrics), maxMetricsPerBatch) {
		batch := make([]restMetric, 0, endIdx-i)
		for ; i < endIdx; i++ {
			batch = append(batch, restMetric{
				Key:       metrics[i].Key,
				Value:     metrics[i].Val,
				Step:      step,
				Timestamp: timestamp,
			})
		}
		if err := r.store.do(http.MethodPost,
			"runs/log-batch",
			logBatchRequest{RunID: r.info.RunID, Metrics: batch},
			nil); err != nil {
			return err
		}
	}
	return nil
}

// Latest value per key, in case the server returned a metric's history.
func (r *restRun) GetMetrics() (map[string]float64, error) {
	latest := make(map[string]metricPoint, len(r.data.Metrics))
	for _, m := range r.data.Metrics {
		p := metricPoint{timestamp: m.Timestamp, val: m.Value, step: m.Step}
		if old, ok := latest[m.Key]; !ok || p.after(old) {
			latest[m.Key] = p
		}
	}
	metrics := make(map[string]float64, len(latest))
	for k, p := range latest {
		metrics[k] = p.val
	}
	return metrics, nil
}

func (r *restRun) LogParam(key, value string) error {
	if err := r.store.do(http.MethodPost,
		"runs/log-parameter",
		logParamRequest{RunID: r.info.RunID, Key: key, Value: value},
		nil); err != nil {
		return err
	}
	r.data.Params = append(r.data.Params, restKeyValue{Key: key, Value: value})
	return nil
}

func (r *restRun) LogParams(params []Param) error {
	const maxParamsPerBatch = 100
	i := 0
	for _, endIdx := range chunkEndIndices(len(params), maxParamsPerBatch) {
		batch := make([]restKeyValue, 0, endIdx-i)
		for ; i < endIdx; i++ {
			batch = append(batch, restKeyValue{Key: params[i].Key, Value: params[i].Val})
		}
		if err := r.store.do(http.MethodPost,
			"runs/log-batch",
			logBatchRequest{RunID: r.info.RunID, Params: batch},
			nil); err != nil {
			return err
		}
		r.data.Params = append(r.data.Params, batch...)
	}
	return nil
}

func (r *restRun) SetName(name string) error {
	if err := r.store.do(http.MethodPost,
		"runs/update",
		updateRunRequest{RunID: r.info.RunID, RunName: name},
		nil); err != nil {
		return err
	}
	r.info.RunName = name
	return nil
}

func (r *restRun) Name() string {
	return r.info.RunName
}

func (r *restRun) SetTags(tags []Tag) error {
	const maxTagsPerBatch = 100
	i := 0
	for _, endIdx := range chunkEndIndices(len(tags), maxTagsPerBatch) {
		if err := r.store.do(http.MethodPost,
			"runs/log-batch",
			logBatchRequest{RunID: r.info.RunID, Tags: keyValuesFromTags(tags[i:endIdx])},
			nil); err != nil {
			return err
		}
		i = endIdx
	}
	for _, tag := range tags {
		r.upsertTag(tag.Key, tag.Val)
	}
	return nil
}

func (r *restRun) Parent() (Run, error) {
	parentID, err := r.GetTag(ParentRunIDTagKey)
	if err != nil || parentID == "" {
		return nil, fmt.Errorf("run %s: %w", r.info.RunID, ErrNoParentRun)
	}
	return r.store.GetRun(parentID)
}

func (r *restRun) RegisterModel(modelPath, modelName string, tags map[string]string) (*ModelVersion, error) {
	source := strings.TrimSuffix(r.info.ArtifactURI, "/") + "/" + strings.TrimPrefix(modelPath, "/")
	return r.store.registerModel(modelName, source, r.info.RunID, r.UIURL(), tags)
}

func (r *restRun) finish(status string) error {
	err := r.store.do(http.MethodPost,
		"runs/update",
		updateRunRequest{RunID: r.info.RunID, EndTime: time.Now().UnixMilli(), Status: status},
		nil)
	if err != nil {
		return err
	}
	r.info.Status = status
	endIfActive(r)
	return nil
}

func (r *restRun) End() error {
	return r.finish(restRunStatusFinished)
}

func (r *restRun) Fail() error {
	return r.finish(restRunStatusFailed)
}

func (r *restRun) UIURL() string {
	return fmt.Sprintf("%s/%sexperiments/%s/runs/%s", r.store.baseURL, r.store.uiPrefix(), r.info.ExperimentID, r.info.RunID)
}

func (r *restRun) ID() string {
	return r.info.RunID
}

func (r *restRun) Status() string {
	return r.info.Status
}

func (r *restRun) ExperimentID() string {
	return r.info.ExperimentID
}

func (r *restRun) GetParam(key string) (string, error) {
	for _, param := range r.data.Params {
		if param.Key == key {
			return param.Value, nil
		}
	}
	return "", fmt.Errorf("param with key %s not found", key)
}

func (store *RESTStore) newArtifactRepo(artifactURI string) (ArtifactRepo, error) {
	parsed, err := url.Parse(artifactURI)
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "dbfs":
		return NewDBFSArtifactRepo(store, artifactURI)
	case "mlflow-artifacts", "http", "https":
		return NewHTTPArtifactRepo(store, artifactURI)
	case "file", "":
		return NewFileArtifactRepo(parsed.Path)
	}
	return nil, fmt.Errorf("support for artifact repo with URI scheme %s: %w", parsed.Scheme, ErrUnsupported)
}
