package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cuongbtq/template-worker/internal/testutil"
	"github.com/cuongbtq/template-worker/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "site.zip")
	testutil.WriteZip(t, src,
		testutil.ZipEntry{Name: "index.html", Body: "<html>"},
		testutil.ZipEntry{Name: "assets/", Mode: os.ModeDir | 0o755},
		testutil.ZipEntry{Name: "assets/app.js", Body: "console.log(1)"},
		testutil.ZipEntry{Name: "bin/run.sh", Body: "#!/bin/sh", Mode: 0o755},
		testutil.ZipEntry{Name: "__MACOSX/._index.html", Body: "junk"},
		testutil.ZipEntry{Name: "link", Body: "/etc/passwd", Mode: os.ModeSymlink | 0o777},
	)

	dest := filepath.Join(dir, "out")
	require.NoError(t, Extract(src, dest, 1<<20))

	data, err := os.ReadFile(filepath.Join(dest, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>", string(data))
	assert.FileExists(t, filepath.Join(dest, "assets", "app.js"))

	info, err := os.Stat(filepath.Join(dest, "bin", "run.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100, "executable bit kept")

	assert.NoDirExists(t, filepath.Join(dest, "__MACOSX"))
	_, err = os.Lstat(filepath.Join(dest, "link"))
	assert.True(t, os.IsNotExist(err), "symlinks are skipped")
}

func TestExtract_RejectsTraversal(t *testing.T) {
	for _, name := range []string{"../evil.txt", "a/../../evil.txt", "/abs.txt"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "evil.zip")
			testutil.WriteZip(t, src, testutil.ZipEntry{Name: name, Body: "x"})

			err := Extract(src, filepath.Join(dir, "out"), 1<<20)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrCorruptArchive)
			assert.NoFileExists(t, filepath.Join(dir, "evil.txt"))
		})
	}
}

func TestExtract_SizeLimit(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "big.zip")
	testutil.WriteZip(t, src,
		testutil.ZipEntry{Name: "a.txt", Body: strings.Repeat("a", 600)},
		testutil.ZipEntry{Name: "b.txt", Body: strings.Repeat("b", 600)},
	)

	err := Extract(src, filepath.Join(dir, "out"), 1000)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCorruptArchive)
	assert.Contains(t, err.Error(), "size limit")

	require.NoError(t, Extract(src, filepath.Join(dir, "out2"), 1200))
}

func TestExtract_NotAZip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bad.zip")
	require.NoError(t, os.WriteFile(src, []byte("definitely not a zip"), 0o644))

	err := Extract(src, filepath.Join(dir, "out"), 1<<20)
	assert.ErrorIs(t, err, domain.ErrCorruptArchive)
}

func TestProjectRoot(t *testing.T) {
	t.Run("single top-level directory is flattened", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "my-site", "src"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".DS_Store"), nil, 0o644))

		root, err := ProjectRoot(dir)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "my-site"), root)
	})

	t.Run("files at top level keep the root", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), nil, 0o644))
		require.NoError(t, os.Mkdir(filepath.Join(dir, "assets"), 0o755))

		root, err := ProjectRoot(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, root)
	})

	t.Run("single file keeps the root", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), nil, 0o644))

		root, err := ProjectRoot(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, root)
	})
}
