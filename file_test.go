package mlflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreExperiments(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	expsByName, err := fs.ExperimentsByName()
	require.NoError(t, err)
	assert.Equal(t, 1, len(expsByName), "expected only the default experiment")

	require.NoError(t, os.RemoveAll(fs.rootDir))
	expsByName, err = fs.ExperimentsByName()
	assert.NoError(t, err)
	assert.Equal(t, 0, len(expsByName))

	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("test%d", i)
		exp, err := fs.GetOrCreateExperimentWithName(name)
		require.NoError(t, err)
		expsByName, err = fs.ExperimentsByName()
		require.NoError(t, err)
		assert.Equal(t, i+1, len(expsByName))
		assert.Equal(t, exp.(*fileExperiment).ExperimentID, expsByName[name].(*fileExperiment).ExperimentID)
	}
}

func TestFileStoreIgnoresStrayFiles(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(fs.rootDir, "notes.txt"), []byte("x"), 0644))
	_, err = fs.RegisterModel("m", "file:///m", "", nil)
	require.NoError(t, err)

	expsByName, err := fs.ExperimentsByName()
	require.NoError(t, err)
	assert.Len(t, expsByName, 1)
}

func TestRun(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exp, err := fs.GetOrCreateExperimentWithName("exp0")
	require.NoError(t, err)

	_, err = exp.GetRun("run0")
	require.Error(t, err)

	created, err := exp.CreateRun("run0")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", created.Status())

	got, err := exp.GetRun(created.ID())
	require.NoError(t, err)
	assert.Equal(t, created.ID(), got.ID())

	assert.NoError(t, got.SetName("new name"))

	const tagKey = "tag0"
	const tagVal = "val0"
	require.NoError(t, created.SetTag(tagKey, tagVal))
	gotTag, err := created.GetTag(tagKey)
	require.NoError(t, err)
	assert.Equal(t, tagVal, gotTag)

	require.NoError(t, created.LogParam("param0", "value0"))
	gotParam, err := created.GetParam("param0")
	require.NoError(t, err)
	assert.Equal(t, "value0", gotParam)

	assert.NoError(t, created.End())
	assert.Equal(t, "FINISHED", created.Status())

	// End re-reads meta.yaml, so the rename through the other handle survives.
	reloaded, err := fs.GetRun(created.ID())
	require.NoError(t, err)
	assert.Equal(t, "new name", reloaded.Name())
	assert.Equal(t, "FINISHED", reloaded.Status())
}

func TestRunGetMetrics(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exp, err := fs.GetExperiment("")
	require.NoError(t, err)
	run, err := exp.CreateRun("")
	require.NoError(t, err)

	metrics, err := run.GetMetrics()
	require.NoError(t, err)
	assert.Empty(t, metrics)

	require.NoError(t, run.LogMetric("auc", 0.5, 0))
	require.NoError(t, run.LogMetric("auc", 0.9, 2))
	require.NoError(t, run.LogMetric("auc", 0.7, 1))
	require.NoError(t, run.LogMetrics([]Metric{{"eval/loss", 0.25}, {"accuracy", 1}}, 0))

	metrics, err = run.GetMetrics()
	require.NoError(t, err)
	want := map[string]float64{"auc": 0.9, "eval/loss": 0.25, "accuracy": 1}
	if diff := cmp.Diff(want, metrics); diff != "" {
		t.Errorf("GetMetrics() mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, run.End())
	assert.Error(t, run.LogMetric("auc", 1, 3), "finished runs reject metrics")
}

func TestLatestMetricPoint(t *testing.T) {
	p, err := latestMetricPoint("m", []byte("100 1 0\n200 2 0\n50 3\n"))
	require.NoError(t, err)
	assert.Equal(t, 2.0, p.val, "same step, later timestamp wins")

	p, err = latestMetricPoint("m", []byte("300 1 5\n400 2 4\n"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.val, "higher step wins over later timestamp")

	_, err = latestMetricPoint("m", []byte("\n"))
	assert.Error(t, err)

	_, err = latestMetricPoint("m", []byte("100 notanumber 0\n"))
	assert.Error(t, err)
}

func TestRunParent(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	parentExp, err := fs.GetOrCreateExperimentWithName("pipeline")
	require.NoError(t, err)
	parent, err := parentExp.CreateRun("pipeline")
	require.NoError(t, err)
	require.NoError(t, parent.LogMetric("auc", 0.8, 0))

	// The child lives in a different experiment; lookup is by run ID only.
	childExp, err := fs.GetOrCreateExperimentWithName("steps")
	require.NoError(t, err)
	child, err := childExp.CreateRun("register")
	require.NoError(t, err)

	_, err = child.Parent()
	assert.True(t, errors.Is(err, ErrNoParentRun))

	require.NoError(t, child.SetTag(ParentRunIDTagKey, parent.ID()))
	got, err := child.Parent()
	require.NoError(t, err)
	assert.Equal(t, parent.ID(), got.ID())
	metrics, err := got.GetMetrics()
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"auc": 0.8}, metrics)
}

func TestFileStoreRegisterModel(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exp, err := fs.GetExperiment("")
	require.NoError(t, err)
	run, err := exp.CreateRun("")
	require.NoError(t, err)

	modelFile := filepath.Join(t.TempDir(), "model.pkl")
	require.NoError(t, os.WriteFile(modelFile, []byte("weights"), 0644))
	require.NoError(t, run.UploadFile("my_model", modelFile))
	staged, err := os.ReadFile(filepath.Join(run.(*fileRun).ArtifactDir(), "my_model"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(staged))

	tags := map[string]string{"auc": "0.9", "eval/loss": "0.1"}
	v1, err := run.RegisterModel("my_model", "my_model", tags)
	require.NoError(t, err)
	assert.Equal(t, "1", v1.Version)
	assert.Equal(t, run.ArtifactURI()+"/my_model", v1.Source)
	assert.Equal(t, run.ID(), v1.RunID)
	assert.Equal(t, ModelVersionStatusReady, v1.Status)

	v2, err := run.RegisterModel("my_model", "my_model", nil)
	require.NoError(t, err)
	assert.Equal(t, "2", v2.Version)

	got, err := fs.GetModelVersion("my_model", "1")
	require.NoError(t, err)
	if diff := cmp.Diff(tags, got.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	got, err = fs.GetModelVersion("my_model", "2")
	require.NoError(t, err)
	assert.Empty(t, got.Tags)

	_, err = fs.RegisterModel("a/b", "src", "", nil)
	assert.Error(t, err)
}

func TestFileStoreRegisterModelConcurrently(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	const n = 8
	versions := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mv, err := fs.RegisterModel("m", "src", "", nil)
			errs[i] = err
			if err == nil {
				versions[i] = mv.Version
			}
		}(i)
	}
	wg.Wait()
	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[versions[i]], "duplicate version %s", versions[i])
		seen[versions[i]] = true
	}
}

func TestLogArtifactsDirectory(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exp, err := fs.GetExperiment("")
	require.NoError(t, err)
	run, err := exp.CreateRun("")
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "model")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("b"), 0644))

	require.NoError(t, run.LogArtifact(src, "out"))
	artifactDir := run.(*fileRun).ArtifactDir()
	for _, p := range []string{"out/model/a.txt", "out/model/sub/b.txt"} {
		_, err := os.Stat(filepath.Join(artifactDir, filepath.FromSlash(p)))
		assert.NoError(t, err, p)
	}
}

func TestFileArtifactRepoUploadFileReplaces(t *testing.T) {
	repo, err := NewFileArtifactRepo(t.TempDir())
	require.NoError(t, err)
	src := t.TempDir()
	a := filepath.Join(src, "a.pkl")
	b := filepath.Join(src, "b.pkl")
	require.NoError(t, os.WriteFile(a, []byte("old-model"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("new"), 0644))
	dest := filepath.Join(repo.(*FileArtifactRepo).rootDir, "m")

	// Same file twice, as a retried step does.
	require.NoError(t, repo.UploadFile(a, "m"))
	require.NoError(t, repo.UploadFile(a, "m"))
	got, err := os.ReadFile(a)
	require.NoError(t, err)
	assert.Equal(t, "old-model", string(got))
	got, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "old-model", string(got))

	require.NoError(t, repo.UploadFile(b, "m"))
	got, err = os.ReadFile(a)
	require.NoError(t, err)
	assert.Equal(t, "old-model", string(got), "earlier source must be untouched")
	got, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestCopyFileDoesNotWriteThroughLinks(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	linked := filepath.Join(dir, "linked")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0644))
	require.NoError(t, os.WriteFile(linked, []byte("old"), 0644))
	require.NoError(t, os.Link(linked, dst))

	require.NoError(t, copyFile(src, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
	got, err = os.ReadFile(linked)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no temp files left behind")
}
