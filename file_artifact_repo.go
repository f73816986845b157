package mlflow

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// FileArtifactRepo writes to a local file system.
// Generally it is used indirectly via [Run.LogArtifact].
type FileArtifactRepo struct {
	rootDir string
}

func NewFileArtifactRepo(rootDir string) (ArtifactRepo, error) {
	return &FileArtifactRepo{rootDir: rootDir}, nil
}

// Implements [ArtifactRepo.LogArtifact].
func (repo *FileArtifactRepo) LogArtifact(localPath, artifactPath string) error {
	return repo.UploadFile(localPath, path.Join(artifactPath, filepath.Base(localPath)))
}

// Implements [ArtifactRepo.UploadFile].
// Hard links when possible, copies otherwise. An existing artifact at destPath
// is replaced, never written through.
func (repo *FileArtifactRepo) UploadFile(localPath, destPath string) error {
	dest := filepath.Join(repo.rootDir, filepath.FromSlash(destPath))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("mlflow.FileArtifactRepo: error creating dir for %s: %w", destPath, err)
	}
	srcInfo, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	if destInfo, err := os.Stat(dest); err == nil && os.SameFile(srcInfo, destInfo) {
		return nil
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("mlflow.FileArtifactRepo: error replacing %s: %w", destPath, err)
	}
	if err := os.Link(localPath, dest); err == nil {
		return nil
	}
	return copyFile(localPath, dest)
}

// Implements [ArtifactRepo.LogArtifacts].
func (repo *FileArtifactRepo) LogArtifacts(localDir, artifactPath string) error {
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

// Copies into a temp file next to dst and renames it into place.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(out.Name()) // no-op once renamed
	if _, err = io.Copy(out, in); err != nil {
		out.Close() // ignore error; Copy error takes precedence
		return fmt.Errorf("failed to copy %q to %q: %w", src, dst, err)
	}
	if err = out.Chmod(0644); err != nil {
		out.Close()
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	return os.Rename(out.Name(), dst)
}

type artifactUpload struct {
	localPath string
	destPath  string
}

// Lists the files under localDir and where they go. Only the last element of
// localDir is kept in the destination, which is what the python client does.
func planArtifactUploads(localDir, artifactPath string) ([]artifactUpload, error) {
	base := filepath.Dir(filepath.Clean(localDir))
	var uploads []artifactUpload
	err := filepath.WalkDir(localDir, func(curPath string, curEntry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if curEntry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, curPath)
		if err != nil {
			return err
		}
		uploads = append(uploads, artifactUpload{
			localPath: curPath,
			destPath:  path.Join(artifactPath, filepath.ToSlash(rel)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return uploads, nil
}
