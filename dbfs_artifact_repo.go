package mlflow

// When modifying please run the manual test for this file with:
// go test -v -tags manual ./...

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
)

const (
	dbfsMaxUploadFileSize = 64 * 1024 * 1024
)

// DBFSArtifactRepo uploads to DBFS (Databricks File System).
// Generally it is used indirectly via [Run.LogArtifact].
type DBFSArtifactRepo struct {
	// Based on
	// https://github.com/mlflow/mlflow/blob/e7ff52d724e3218704fde225493e52c5acd41bb6/mlflow/store/artifact/databricks_artifact_repo.py
	rest     *RESTStore
	rootPath string
	runID    string
}

// This assumes uri is for the root of a run.
// We don't handle sub-directories in the same way the python client does.
func NewDBFSArtifactRepo(restStore *RESTStore, uri string) (ArtifactRepo, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "dbfs" {
		return nil, fmt.Errorf("expected dbfs URI scheme, got %s", parsed.Scheme)
	}
	return &DBFSArtifactRepo{restStore, parsed.Path, path.Base(path.Dir(parsed.Path))}, nil
}

// Implements [ArtifactRepo.LogArtifact].
func (repo *DBFSArtifactRepo) LogArtifact(localPath, artifactPath string) error {
	return repo.UploadFile(localPath, path.Join(artifactPath, filepath.Base(localPath)))
}

// Implements [ArtifactRepo.UploadFile].
func (repo *DBFSArtifactRepo) UploadFile(localPath, destPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("failed to stat file %q: %w", localPath, err)
	}
	if info.Size() >= dbfsMaxUploadFileSize {
		return fmt.Errorf("file %q is too large (>= %d bytes) to upload in a single shot", localPath, dbfsMaxUploadFileSize)
	}
	var getCredsRes getCredentialsForWriteResponse
	if err := repo.rest.do(http.MethodPost, "artifacts/credentials-for-write",
		getCredentialsForWriteRequest{RunID: repo.runID, Path: []string{destPath}},
		&getCredsRes); err != nil {
		return err
	}
	if len(getCredsRes.CredentialInfos) != 1 {
		return fmt.Errorf("expected 1 credential, got %d", len(getCredsRes.CredentialInfos))
	}
	credInfo := getCredsRes.CredentialInfos[0]

	// We have to read the file into memory here rather than pass the file
	// in to http.NewRequest. Otherwise it will set the Transfer-Encoding
	// header to chunked, which AWS S3 does not support.
	localBytes, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read file %q: %w", localPath, err)
	}
	httpReq, err := http.NewRequest(http.MethodPut, credInfo.SignedURI, bytes.NewReader(localBytes))
	if err != nil {
		return err
	}
	for _, header := range credInfo.Headers {
		httpReq.Header.Add(header.Name, header.Value)
	}
	httpRes, err := repo.rest.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to upload artifact using signed URI %s: %w", credInfo.SignedURI, err)
	}
	defer httpRes.Body.Close()
	resBody, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if httpRes.StatusCode != http.StatusOK && httpRes.StatusCode != http.StatusCreated {
		return fmt.Errorf("failed to upload artifact using signed URI %s with status %s: %s",
			credInfo.SignedURI, httpRes.Status, resBody)
	}
	return nil
}

// Implements [ArtifactRepo.LogArtifacts].
func (repo *DBFSArtifactRepo) LogArtifacts(localDir, artifactPath string) error {
	uploads, err := planArtifactUploads(localDir, artifactPath)
	if err != nil {
		return err
	}
	for _, u := range uploads {
		if err := repo.UploadFile(u.localPath, u.destPath); err != nil {
			return err
		}
	}
	return nil
}
