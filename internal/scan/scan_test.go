package scan

import (
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ransomwatch/internal/entropy"
)

// buildTree lays out:
//
//	root/a.txt
//	root/b.txt
//	root/sub/c.txt
//	root/sub/deeper/d.txt
//	root/.git/config
func buildTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), []byte("aaaaaaaa"))
	writeFile(t, filepath.Join(root, "b.txt"), []byte("abababab"))
	writeFile(t, filepath.Join(root, "sub", "c.txt"), []byte("abcdabcd"))
	writeFile(t, filepath.Join(root, "sub", "deeper", "d.txt"), []byte("dddd"))
	writeFile(t, filepath.Join(root, ".git", "config"), []byte("[core]"))
	return root
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, data, 0600))
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestWalkDepthZero(t *testing.T) {
	root := buildTree(t)

	files, err := Walk(context.Background(), root, 0, NewIgnoreSet())
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "a.txt"),
		filepath.Join(root, "b.txt"),
	}, files)
}

func TestWalkNegativeDepth(t *testing.T) {
	root := buildTree(t)

	files, err := Walk(context.Background(), root, -1, NewIgnoreSet())
	require.NoError(t, err)
	assert.Empty(t, files)

	// Also for a root that does not exist.
	files, err = Walk(context.Background(), filepath.Join(root, "missing"), -1, nil)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestWalkDepthLimits(t *testing.T) {
	root := buildTree(t)

	tests := []struct {
		depth int
		want  int
	}{
		{0, 2},
		{1, 3},
		{2, 4},
		{10, 4},
	}
	for _, tt := range tests {
		files, err := Walk(context.Background(), root, tt.depth, NewIgnoreSet(DefaultIgnore...))
		require.NoError(t, err)
		assert.Len(t, files, tt.want, "depth %d", tt.depth)
	}
}

func TestWalkIgnoreSkipsSubtree(t *testing.T) {
	root := buildTree(t)

	files, err := Walk(context.Background(), root, 5, NewIgnoreSet(".git", "sub"))
	require.NoError(t, err)
	for _, f := range files {
		assert.NotContains(t, f, ".git")
		assert.NotContains(t, f, string(filepath.Separator)+"sub"+string(filepath.Separator))
	}
	assert.Len(t, files, 2)

	// Without the ignore set the .git contents show up.
	files, err = Walk(context.Background(), root, 5, nil)
	require.NoError(t, err)
	assert.Contains(t, files, filepath.Join(root, ".git", "config"))
}

func TestWalkIgnoreIsNameNotPath(t *testing.T) {
	root := buildTree(t)

	files, err := Walk(context.Background(), root, 5, NewIgnoreSet(filepath.Join(root, "sub")))
	require.NoError(t, err)
	assert.Contains(t, files, filepath.Join(root, "sub", "c.txt"))
}

func TestWalkStableOrder(t *testing.T) {
	root := buildTree(t)

	first, err := Walk(context.Background(), root, 3, nil)
	require.NoError(t, err)
	second, err := Walk(context.Background(), root, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestWalkRootUnavailable(t *testing.T) {
	_, err := Walk(context.Background(), "/nonexistent/root", 0, nil)
	require.Error(t, err)

	var rootErr *RootUnavailableError
	require.True(t, errors.As(err, &rootErr))
	assert.Equal(t, "/nonexistent/root", rootErr.Root)
}

func TestWalkCancelled(t *testing.T) {
	root := buildTree(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Walk(ctx, root, 3, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWalkFollowsSymlinkedDir(t *testing.T) {
	root := buildTree(t)
	target := t.TempDir()
	writeFile(t, filepath.Join(target, "linked.txt"), []byte("xyz"))
	if err := os.Symlink(target, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	files, err := Walk(context.Background(), root, 1, NewIgnoreSet(DefaultIgnore...))
	require.NoError(t, err)
	assert.Contains(t, files, filepath.Join(root, "link", "linked.txt"))
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    Mode
		wantErr bool
	}{
		{"1", ModeIndividual, false},
		{"individual", ModeIndividual, false},
		{"subdirectory-total", ModeSubdirectoryTotal, false},
		{"SUBDIRECTORY_AVERAGE", ModeSubdirectoryAverage, false},
		{"4", ModeDirectoryTotal, false},
		{" directory-average ", ModeDirectoryAverage, false},
		{"0", 0, true},
		{"6", 0, true},
		{"median", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			m, err := ParseMode(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m)
		})
	}
}

func TestModeStrings(t *testing.T) {
	assert.Equal(t, "subdirectory-total", ModeSubdirectoryTotal.String())
	assert.Equal(t, "Directory Average", ModeDirectoryAverage.Description())
	assert.Equal(t, "unknown", Mode(42).String())
}

func TestNewSchemeUnknown(t *testing.T) {
	_, err := NewScheme(Mode(9), "/tmp")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestIndividual(t *testing.T) {
	root := buildTree(t)
	files, err := Walk(context.Background(), root, 0, nil)
	require.NoError(t, err)

	s, err := NewScheme(ModeIndividual, root)
	require.NoError(t, err)
	res, err := s.Aggregate(context.Background(), files)
	require.NoError(t, err)

	assert.Empty(t, res.Skipped)
	assert.Equal(t, Snapshot{
		filepath.Join(root, "a.txt"): 0,
		filepath.Join(root, "b.txt"): 1,
	}, res.Scores)
}

func TestIndividualSkipsEmptyAndMissing(t *testing.T) {
	root := t.TempDir()
	full := filepath.Join(root, "full.bin")
	empty := filepath.Join(root, "empty.bin")
	writeFile(t, full, []byte("abab"))
	writeFile(t, empty, nil)
	missing := filepath.Join(root, "gone.bin")

	s, _ := NewScheme(ModeIndividual, root)
	res, err := s.Aggregate(context.Background(), []string{full, empty, missing})
	require.NoError(t, err)

	assert.Equal(t, Snapshot{full: 1}, res.Scores)
	require.Len(t, res.Skipped, 2)

	var groupErr *GroupError
	var ioErr *entropy.IOError
	assert.True(t, errors.As(res.Skipped[0], &groupErr))
	assert.ErrorIs(t, res.Skipped[0], entropy.ErrEmptyInput)
	assert.True(t, errors.As(res.Skipped[1], &ioErr))
}

func TestSubdirectorySchemesAgreeWithOneFilePerDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "x", "one.bin"), randomBytes(t, 4096))
	writeFile(t, filepath.Join(root, "y", "two.txt"), []byte("plain text, nothing to see here"))
	writeFile(t, filepath.Join(root, "z", "three.txt"), []byte("zzzzzzzzzzzzzzzz"))

	files, err := Walk(context.Background(), root, 1, nil)
	require.NoError(t, err)

	total, _ := NewScheme(ModeSubdirectoryTotal, root)
	avg, _ := NewScheme(ModeSubdirectoryAverage, root)

	tr, err := total.Aggregate(context.Background(), files)
	require.NoError(t, err)
	ar, err := avg.Aggregate(context.Background(), files)
	require.NoError(t, err)

	assert.Len(t, tr.Scores, 3)
	assert.Equal(t, tr.Scores, ar.Scores)
}

func TestSubdirectoryTotalVersusAverage(t *testing.T) {
	root := t.TempDir()
	// Two single-symbol files with different symbols: each scores 0, but
	// the concatenation has two equally likely symbols.
	writeFile(t, filepath.Join(root, "d", "a"), []byte("aaaa"))
	writeFile(t, filepath.Join(root, "d", "b"), []byte("bbbb"))

	files, err := Walk(context.Background(), root, 1, nil)
	require.NoError(t, err)
	dir := filepath.Join(root, "d")

	total, _ := NewScheme(ModeSubdirectoryTotal, root)
	tr, err := total.Aggregate(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, 1.0, tr.Scores[dir])

	avg, _ := NewScheme(ModeSubdirectoryAverage, root)
	ar, err := avg.Aggregate(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, 0.0, ar.Scores[dir])
}

func TestDirectorySchemesSingleGroup(t *testing.T) {
	root := buildTree(t)
	files, err := Walk(context.Background(), root, 2, NewIgnoreSet(DefaultIgnore...))
	require.NoError(t, err)

	for _, mode := range []Mode{ModeDirectoryTotal, ModeDirectoryAverage} {
		s, err := NewScheme(mode, root)
		require.NoError(t, err)
		res, err := s.Aggregate(context.Background(), files)
		require.NoError(t, err)

		keys := make([]string, 0, len(res.Scores))
		for k := range res.Scores {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		assert.Equal(t, []string{root}, keys, mode.String())
	}
}

func TestDirectoryAverageIsMeanOfFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "zero"), []byte("aaaa"))
	writeFile(t, filepath.Join(root, "one"), []byte("abab"))
	writeFile(t, filepath.Join(root, "two"), []byte("abcd"))

	files, err := Walk(context.Background(), root, 0, nil)
	require.NoError(t, err)

	s, _ := NewScheme(ModeDirectoryAverage, root)
	res, err := s.Aggregate(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Scores[root])
}

func TestEmptyGroupDoesNotAbort(t *testing.T) {
	root := t.TempDir()

	for _, mode := range []Mode{ModeDirectoryTotal, ModeDirectoryAverage} {
		s, _ := NewScheme(mode, root)
		res, err := s.Aggregate(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, res.Scores)
		require.Len(t, res.Skipped, 1)
		assert.ErrorIs(t, res.Skipped[0], entropy.ErrEmptyInput)
	}
}

func TestAggregateCancelled(t *testing.T) {
	root := buildTree(t)
	files, err := Walk(context.Background(), root, 2, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for mode := ModeIndividual; mode <= ModeDirectoryAverage; mode++ {
		s, _ := NewScheme(mode, root)
		_, err := s.Aggregate(ctx, files)
		assert.ErrorIs(t, err, context.Canceled, mode.String())
	}
}
