package build

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/template-worker/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deps(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		deps map[string]struct{}
		want Variant
	}{
		{"next wins over everything", deps("react", "vite", "next"), VariantNext},
		{"vite wins over react", deps("react", "react-dom", "vite"), VariantVite},
		{"react", deps("react", "react-dom"), VariantReact},
		{"create-react-app", deps("react-scripts"), VariantReact},
		{"no markers", deps("lodash", "express"), VariantUnknown},
		{"empty", deps(), VariantUnknown},
		{"nil", nil, VariantUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.deps))
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name      string
		files     map[string]string
		want      Variant
		wantGuess string
	}{
		{
			name:  "no manifest is plain",
			files: map[string]string{"index.html": "<html>"},
			want:  VariantPlain,
		},
		{
			name:  "malformed manifest is plain",
			files: map[string]string{"package.json": "{not json"},
			want:  VariantPlain,
		},
		{
			name:      "vite from devDependencies",
			files:     map[string]string{"package.json": `{"devDependencies":{"vite":"^5"},"scripts":{"build":"vite build"}}`},
			want:      VariantVite,
			wantGuess: "dist",
		},
		{
			name:      "next",
			files:     map[string]string{"package.json": `{"dependencies":{"next":"14","react":"18"}}`},
			want:      VariantNext,
			wantGuess: "out",
		},
		{
			name:      "react",
			files:     map[string]string{"package.json": `{"dependencies":{"react":"18"}}`},
			want:      VariantReact,
			wantGuess: "build",
		},
		{
			name: "unknown with probed output",
			files: map[string]string{
				"package.json":     `{"dependencies":{"lodash":"4"}}`,
				"out/index.html":   "<html>",
				"build/index.html": "<html>",
			},
			want:      VariantUnknown,
			wantGuess: "build",
		},
		{
			name:  "unknown with build script only",
			files: map[string]string{"package.json": `{"scripts":{"build":"webpack"}}`},
			want:  VariantUnknown,
		},
		{
			name: "unmarked manifest with nothing to build is plain",
			files: map[string]string{
				"package.json": `{"name":"static-site"}`,
				"index.html":   "<html>",
			},
			want: VariantPlain,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			for name, content := range tt.files {
				writeFile(t, filepath.Join(root, name), content)
			}

			d := Detect(root, testutil.Logger())
			assert.Equal(t, tt.want, d.Variant)
			assert.Equal(t, tt.wantGuess, d.OutputGuess)
		})
	}
}

func TestReadManifest(t *testing.T) {
	root := t.TempDir()
	_, err := ReadManifest(root)
	assert.ErrorIs(t, err, ErrNoManifest)

	writeFile(t, filepath.Join(root, "package.json"),
		`{"dependencies":{"a":"1"},"devDependencies":{"b":"1","a":"2"},"scripts":{"build":"x","export":""}}`)
	m, err := ReadManifest(root)
	require.NoError(t, err)
	assert.Equal(t, deps("a", "b"), m.DependencyNames())
	assert.True(t, m.HasScript("build"))
	assert.False(t, m.HasScript("export"))
	assert.False(t, m.HasScript("start"))

	var nilManifest *Manifest
	assert.False(t, nilManifest.HasScript("build"))
}

func TestInstallCommand(t *testing.T) {
	tools := Tools{NPM: "npm", NPX: "npx", Yarn: "yarn", PNPM: "pnpm"}
	tests := []struct {
		lockfile string
		want     []string
	}{
		{"", []string{"npm", "install", "--legacy-peer-deps"}},
		{"package-lock.json", []string{"npm", "ci"}},
		{"npm-shrinkwrap.json", []string{"npm", "ci"}},
		{"yarn.lock", []string{"yarn", "install", "--frozen-lockfile"}},
		{"pnpm-lock.yaml", []string{"pnpm", "install", "--frozen-lockfile"}},
	}

	for _, tt := range tests {
		t.Run(tt.lockfile, func(t *testing.T) {
			root := t.TempDir()
			if tt.lockfile != "" {
				writeFile(t, filepath.Join(root, tt.lockfile), "{}")
			}
			assert.Equal(t, tt.want, InstallCommand(root, tools))
		})
	}
}

func writeFileErr(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
