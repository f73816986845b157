package mlflow

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"
)

const (
	mlflowArtifactsAPIPath = "/api/2.0/mlflow-artifacts/artifacts"
	maxConcurrentUploads   = 4
)

// HTTPArtifactRepo uploads through the tracking server's artifact proxy
// (mlflow-artifacts:/ URIs) or to a plain HTTP artifact store.
// Generally it is used indirectly via [Run.LogArtifact].
type HTTPArtifactRepo struct {
	// Based on
	// https://github.com/mlflow/mlflow/blob/e7ff52d724e3218704fde225493e52c5acd41bb6/mlflow/store/artifact/http_artifact_repo.py
	rest    *RESTStore
	rootURL string
}

func NewHTTPArtifactRepo(restStore *RESTStore, uri string) (ArtifactRepo, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "http", "https":
		return &HTTPArtifactRepo{restStore, strings.TrimRight(uri, "/")}, nil
	case "mlflow-artifacts":
		base := restStore.baseURL
		if parsed.Host != "" {
			trackingURL, err := url.Parse(restStore.baseURL)
			if err != nil {
				return nil, err
			}
			base = trackingURL.Scheme + "://" + parsed.Host
		}
		return &HTTPArtifactRepo{restStore, base + mlflowArtifactsAPIPath + strings.TrimRight(parsed.Path, "/")}, nil
	}
	return nil, fmt.Errorf("expected mlflow-artifacts or http(s) URI scheme, got %s", parsed.Scheme)
}

func (repo *HTTPArtifactRepo) artifactURL(destPath string) string {
	segments := strings.Split(strings.Trim(path.Clean("/"+destPath), "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return repo.rootURL + "/" + strings.Join(segments, "/")
}

// Implements [ArtifactRepo.LogArtifact].
func (repo *HTTPArtifactRepo) LogArtifact(localPath, artifactPath string) error {
	return repo.UploadFile(localPath, path.Join(artifactPath, filepath.Base(localPath)))
}

// Implements [ArtifactRepo.UploadFile].
func (repo *HTTPArtifactRepo) UploadFile(localPath, destPath string) error {
	// Read fully so that the retrying client can replay the body.
	localBytes, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read file %q: %w", localPath, err)
	}
	target := repo.artifactURL(destPath)
	httpReq, err := http.NewRequest(http.MethodPut, target, bytes.NewReader(localBytes))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", mimetype.Detect(localBytes).String())
	repo.rest.authorize(httpReq)
	httpRes, err := repo.rest.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to upload artifact to %s: %w", target, err)
	}
	defer httpRes.Body.Close()
	resBody, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if httpRes.StatusCode != http.StatusOK && httpRes.StatusCode != http.StatusCreated {
		return &APIError{Method: http.MethodPut, URL: target, StatusCode: httpRes.StatusCode, Body: string(resBody)}
	}
	return nil
}

// Implements [ArtifactRepo.LogArtifacts].
func (repo *HTTPArtifactRepo) LogArtifacts(localDir, artifactPath string) error {
	uploads, err := planArtifactUploads(localDir, artifactPath)
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.SetLimit(maxConcurrentUploads)
	for _, u := range uploads {
		g.Go(func() error {
			return repo.UploadFile(u.localPath, u.destPath)
		})
	}
	return g.Wait()
}
