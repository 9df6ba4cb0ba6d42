package build

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
)

// Variant is a build strategy
type Variant string

// Variants in precedence order
const (
	VariantNext    Variant = "next"
	VariantVite    Variant = "vite"
	VariantReact   Variant = "react"
	VariantUnknown Variant = "unknown"
	VariantPlain   Variant = "plain"
)

// EntryDocument is the file a publishable output directory must contain
const EntryDocument = "index.html"

// ProbeDirs are conventional output directories, in probe order
var ProbeDirs = []string{"dist", "build", "out"}

// markers maps dependency names to variants, highest precedence first
var markers = []struct {
	dep     string
	variant Variant
}{
	{"next", VariantNext},
	{"vite", VariantVite},
	{"react-scripts", VariantReact},
	{"react", VariantReact},
}

// Classify maps a dependency name set to a variant. It never returns plain:
// a manifest without markers is unknown.
func Classify(deps map[string]struct{}) Variant {
	for _, m := range markers {
		if _, ok := deps[m.dep]; ok {
			return m.variant
		}
	}
	return VariantUnknown
}

// Descriptor is what the detector learned about a project
type Descriptor struct {
	Variant     Variant
	OutputGuess string // relative to the project root, may be empty
	Manifest    *Manifest
}

// Detect inspects the manifest under root and classifies the project
func Detect(root string, logger *slog.Logger) Descriptor {
	manifest, err := ReadManifest(root)
	if err != nil {
		if !errors.Is(err, ErrNoManifest) {
			logger.Warn("Failed to read package.json, treating project as plain",
				slog.String("path", root),
				slog.Any("error", err),
			)
		}
		return Descriptor{Variant: VariantPlain}
	}

	d := Descriptor{Variant: Classify(manifest.DependencyNames()), Manifest: manifest}
	switch d.Variant {
	case VariantNext:
		d.OutputGuess = "out"
	case VariantVite:
		d.OutputGuess = "dist"
	case VariantReact:
		d.OutputGuess = "build"
	case VariantUnknown:
		d.OutputGuess = probe(root)
		if d.OutputGuess == "" && !manifest.HasScript("build") {
			// nothing to build and nothing built
			d.Variant = VariantPlain
		}
	}
	return d
}

// probe returns the first conventional output directory that exists
func probe(root string) string {
	for _, dir := range ProbeDirs {
		if info, err := os.Stat(filepath.Join(root, dir)); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}

// Lockfiles and the install command each one selects
var lockfiles = []struct {
	file string
	tool func(Tools) []string
}{
	{"package-lock.json", func(t Tools) []string { return []string{t.NPM, "ci"} }},
	{"npm-shrinkwrap.json", func(t Tools) []string { return []string{t.NPM, "ci"} }},
	{"yarn.lock", func(t Tools) []string { return []string{t.Yarn, "install", "--frozen-lockfile"} }},
	{"pnpm-lock.yaml", func(t Tools) []string { return []string{t.PNPM, "install", "--frozen-lockfile"} }},
}

// InstallCommand picks a locked install when a lockfile is present and a
// best-effort npm install otherwise
func InstallCommand(root string, tools Tools) []string {
	for _, lf := range lockfiles {
		if _, err := os.Stat(filepath.Join(root, lf.file)); err == nil {
			return lf.tool(tools)
		}
	}
	return []string{tools.NPM, "install", "--legacy-peer-deps"}
}
