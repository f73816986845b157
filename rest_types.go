package mlflow

import (
	"fmt"
	"net/http"
)

// JSON bodies of the MLflow REST API.
// See https://mlflow.org/docs/latest/rest-api.html

type restKeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type restMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type restExperimentInfo struct {
	ExperimentID     string `json:"experiment_id"`
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifact_location,omitempty"`
	LifecycleStage   string `json:"lifecycle_stage,omitempty"`
}

type restRunInfo struct {
	RunID          string `json:"run_id"`
	RunName        string `json:"run_name,omitempty"`
	ExperimentID   string `json:"experiment_id"`
	UserID         string `json:"user_id,omitempty"`
	Status         string `json:"status,omitempty"`
	StartTime      int64  `json:"start_time,omitempty"`
	EndTime        int64  `json:"end_time,omitempty"`
	ArtifactURI    string `json:"artifact_uri,omitempty"`
	LifecycleStage string `json:"lifecycle_stage,omitempty"`
}

type restRunData struct {
	Metrics []restMetric   `json:"metrics,omitempty"`
	Params  []restKeyValue `json:"params,omitempty"`
	Tags    []restKeyValue `json:"tags,omitempty"`
}

type restRunEntity struct {
	Info restRunInfo `json:"info"`
	Data restRunData `json:"data"`
}

// https://github.com/mlflow/mlflow/blob/8cd2eb0f7975decefb88af60ac5cc4f968458ab3/mlflow/protos/service.proto#L439
const (
	restRunStatusFinished = "FINISHED"
	restRunStatusFailed   = "FAILED"
)

type createExperimentRequest struct {
	Name string `json:"name"`
}

type createExperimentResponse struct {
	ExperimentID string `json:"experiment_id"`
}

type searchExperimentsRequest struct {
	MaxResults int64  `json:"max_results,omitempty"`
	PageToken  string `json:"page_token,omitempty"`
}

type searchExperimentsResponse struct {
	Experiments   []restExperimentInfo `json:"experiments"`
	NextPageToken string               `json:"next_page_token"`
}

type getExperimentResponse struct {
	Experiment restExperimentInfo `json:"experiment"`
}

type createRunRequest struct {
	ExperimentID string         `json:"experiment_id"`
	RunName      string         `json:"run_name,omitempty"`
	StartTime    int64          `json:"start_time"`
	Tags         []restKeyValue `json:"tags,omitempty"`
}

type runResponse struct {
	Run restRunEntity `json:"run"`
}

type setTagRequest struct {
	RunID string `json:"run_id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type logMetricRequest struct {
	RunID     string  `json:"run_id"`
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type logParamRequest struct {
	RunID string `json:"run_id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type logBatchRequest struct {
	RunID   string         `json:"run_id"`
	Metrics []restMetric   `json:"metrics,omitempty"`
	Params  []restKeyValue `json:"params,omitempty"`
	Tags    []restKeyValue `json:"tags,omitempty"`
}

type updateRunRequest struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status,omitempty"`
	EndTime int64  `json:"end_time,omitempty"`
	RunName string `json:"run_name,omitempty"`
}

type createRegisteredModelRequest struct {
	Name string `json:"name"`
}

type createModelVersionRequest struct {
	Name    string         `json:"name"`
	Source  string         `json:"source"`
	RunID   string         `json:"run_id,omitempty"`
	RunLink string         `json:"run_link,omitempty"`
	Tags    []restKeyValue `json:"tags,omitempty"`
}

type restModelVersion struct {
	Name    string         `json:"name"`
	Version string         `json:"version"`
	Source  string         `json:"source"`
	RunID   string         `json:"run_id"`
	Status  string         `json:"status"`
	Tags    []restKeyValue `json:"tags"`
}

type createModelVersionResponse struct {
	ModelVersion restModelVersion `json:"model_version"`
}

type getCredentialsForWriteRequest struct {
	RunID string   `json:"run_id"`
	Path  []string `json:"path"`
}

type artifactCredentialInfo struct {
	RunID     string `json:"run_id"`
	Path      string `json:"path"`
	SignedURI string `json:"signed_uri"`
	Type      string `json:"type"`
	Headers   []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
}

type getCredentialsForWriteResponse struct {
	CredentialInfos []artifactCredentialInfo `json:"credential_infos"`
}

// https://github.com/mlflow/mlflow/blob/8cd2eb0f7975decefb88af60ac5cc4f968458ab3/mlflow/protos/databricks.proto
const (
	ErrorCodeResourceAlreadyExists = "RESOURCE_ALREADY_EXISTS"
	ErrorCodeResourceDoesNotExist  = "RESOURCE_DOES_NOT_EXIST"
)

// APIError is a non-200 response from the tracking server.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Body       string
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("%s %s failed with status %d %s: %s: %s",
			e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("%s %s failed with status %d %s: %s",
		e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

func keyValuesFromTags(tags []Tag) []restKeyValue {
	res := make([]restKeyValue, len(tags))
	for i, t := range tags {
		res[i] = restKeyValue{Key: t.Key, Value: t.Val}
	}
	return res
}

func (mv *restModelVersion) toModelVersion() *ModelVersion {
	tags := make(map[string]string, len(mv.Tags))
	for _, t := range mv.Tags {
		tags[t.Key] = t.Value
	}
	return &ModelVersion{
		Name:    mv.Name,
		Version: mv.Version,
		Source:  mv.Source,
		RunID:   mv.RunID,
		Status:  mv.Status,
		Tags:    tags,
	}
}
