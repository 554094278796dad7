package filesystem

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surprisal/pkg/contract"
)

type seen struct {
	id   contract.FileID
	body string
	err  error
}

func collect(t *testing.T, r *FileSystem, names []string) []seen {
	t.Helper()
	var out []seen
	err := r.Iterate(context.Background(), names, func(id contract.FileID, rc io.ReadCloser, openErr error) error {
		s := seen{id: id, err: openErr}
		if rc != nil {
			b, _ := io.ReadAll(rc)
			_ = rc.Close()
			s.body = string(b)
		}
		out = append(out, s)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestIterate_ResolvesNamesInOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("B"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("A"), 0o644))

	r := New(&Options{InputDir: dir})
	got := collect(t, r, []string{"b", "a.csv"})
	require.Len(t, got, 2)
	assert.Equal(t, seen{id: "b", body: "B"}, got[0])
	assert.Equal(t, seen{id: "a", body: "A"}, got[1])
}

func TestIterate_MissingFileIsFileScoped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.csv"), []byte("x"), 0o644))
	r := New(&Options{InputDir: dir})
	got := collect(t, r, []string{"missing", "ok"})
	require.Len(t, got, 2)
	assert.True(t, errors.Is(got[0].err, os.ErrNotExist), "%v", got[0].err)
	assert.NoError(t, got[1].err)
	assert.Equal(t, "x", got[1].body)
}

func TestIterate_RejectsEscape(t *testing.T) {
	r := New(&Options{InputDir: t.TempDir()})
	got := collect(t, r, []string{"../etc/passwd", "/abs"})
	for _, s := range got {
		assert.True(t, errors.Is(s.err, contract.ErrPathInvalid), "%s: %v", s.id, s.err)
	}
}

func TestIterate_DirectoryNotRegular(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d.csv"), 0o755))
	got := collect(t, New(&Options{InputDir: dir}), []string{"d"})
	require.Len(t, got, 1)
	assert.Error(t, got[0].err)
}

func TestIterate_YieldErrorStops(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("A"), 0o644))
	stop := errors.New("stop")
	calls := 0
	err := New(&Options{InputDir: dir}).Iterate(context.Background(), []string{"a", "a"}, func(contract.FileID, io.ReadCloser, error) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestIterate_StdinMixed(t *testing.T) {
	err := New(nil).Iterate(context.Background(), []string{"-", "a"}, func(contract.FileID, io.ReadCloser, error) error { return nil })
	assert.Error(t, err)
}

func TestIterate_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(nil).Iterate(ctx, []string{"a"}, func(contract.FileID, io.ReadCloser, error) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaults(t *testing.T) {
	p, err := New(nil).Path("sub/x")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("input_files", "sub", "x.csv"), p)
}

func TestPath_ExtMatchesArtifact(t *testing.T) {
	r := New(&Options{InputDir: "in"})
	for _, name := range []string{"a", "a.csv", "sub/a.CSV"} {
		id := contract.NormalizeFileID(name)
		p, err := r.Path(id)
		require.NoError(t, err)
		assert.Equal(t, InputExt, filepath.Ext(p), name)
		assert.Equal(t, InputExt, filepath.Ext(string(contract.ArtifactFor(id, "_processed"))), name)
		assert.NotContains(t, p, ".csv.csv", name)
	}
}
