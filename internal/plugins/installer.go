package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
)

var (
	ErrUnsafePath   = errors.New("archive entry escapes the plugin directory")
	ErrOlderVersion = errors.New("installed plugin is newer than the bundle")
)

// InstallResult describes a completed bundle install.
type InstallResult struct {
	Manifest        *Manifest
	Path            string
	PreviousVersion string
}

// InstallBundle extracts a plugin bundle (zip, tar, tar.gz and the other
// formats mholt/archives identifies) into pluginsDir/<id>. The bundle holds
// plugin.json at its root or inside a single top-level directory. An
// installed copy is replaced unless it is newer than the bundle and force is
// false.
func InstallBundle(ctx context.Context, bundlePath, pluginsDir string, force bool) (*InstallResult, error) {
	f, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer f.Close()

	format, stream, err := archives.Identify(ctx, filepath.Base(bundlePath), f)
	if err != nil {
		return nil, fmt.Errorf("failed to identify bundle format: %w", err)
	}
	extractor, ok := format.(archives.Extractor)
	if !ok {
		return nil, fmt.Errorf("bundle format %s cannot be extracted", format.Extension())
	}

	if err := os.MkdirAll(pluginsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plugins directory: %w", err)
	}
	staging, err := os.MkdirTemp(pluginsDir, ".install-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extractor.Extract(ctx, stream, extractInto(staging)); err != nil {
		return nil, fmt.Errorf("failed to extract bundle: %w", err)
	}

	root, err := bundleRoot(staging)
	if err != nil {
		return nil, err
	}
	manifest, err := LoadManifest(root)
	if err != nil {
		return nil, err
	}
	if err := Validate(manifest.Metadata(), CoreVersion); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(root, manifest.EntryPoint)); err != nil {
		return nil, fmt.Errorf("bundle is missing entry point %s: %w", manifest.EntryPoint, err)
	}

	result := &InstallResult{Manifest: manifest, Path: filepath.Join(pluginsDir, manifest.ID)}
	if existing, err := LoadManifest(result.Path); err == nil {
		result.PreviousVersion = existing.Version
		if isDowngrade(existing.Version, manifest.Version) && !force {
			return nil, fmt.Errorf("%w: %s %s is installed, bundle has %s", ErrOlderVersion, manifest.ID, existing.Version, manifest.Version)
		}
	}

	if err := os.RemoveAll(result.Path); err != nil {
		return nil, fmt.Errorf("failed to remove previous install: %w", err)
	}
	if err := os.Rename(root, result.Path); err != nil {
		return nil, fmt.Errorf("failed to install plugin: %w", err)
	}

	log.Printf("Installed plugin %s v%s to %s", manifest.ID, manifest.Version, result.Path)
	return result, nil
}

func extractInto(dest string) archives.FileHandler {
	return func(ctx context.Context, f archives.FileInfo) error {
		// Leading slashes are dropped the way tar does.
		name := path.Clean(strings.TrimLeft(strings.TrimPrefix(filepath.ToSlash(f.NameInArchive), "./"), "/"))
		if name == "." || name == "" {
			return nil
		}
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, f.NameInArchive)
		}
		target := filepath.Join(dest, filepath.FromSlash(name))

		switch {
		case f.IsDir():
			return os.MkdirAll(target, 0755)
		case f.LinkTarget != "" || f.Mode()&fs.ModeSymlink != 0:
			log.Printf("Skipping link %s in plugin bundle", f.NameInArchive)
			return nil
		case !f.Mode().IsRegular():
			return nil
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		defer src.Close()

		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, src); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}
}

// bundleRoot returns the directory holding plugin.json: the staging
// directory itself or its only subdirectory.
func bundleRoot(staging string) (string, error) {
	if _, err := os.Stat(filepath.Join(staging, ManifestFile)); err == nil {
		return staging, nil
	}
	entries, err := os.ReadDir(staging)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		inner := filepath.Join(staging, entries[0].Name())
		if _, err := os.Stat(filepath.Join(inner, ManifestFile)); err == nil {
			return inner, nil
		}
	}
	return "", fmt.Errorf("bundle has no %s", ManifestFile)
}
