package discovery

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/job"
)

// ExtensionManifest is the file name of an extension manifest inside its
// directory under the plugins root.
const ExtensionManifest = "plugin.toml"

// Extension is a named, versioned bundle of jobs registered under the
// plugins source grouping.
type Extension struct {
	Name    string
	Version string
	// HostVersion is a semver constraint on the running jobkit version.
	HostVersion string
	Jobs        []*job.Definition
}

// Module returns the module name the extension's jobs are bound under.
func (e *Extension) Module() string { return e.Name }

// extensionFile is the plugin.toml layout: extension metadata plus the same
// job entries as a manifest.
type extensionFile struct {
	Name        string        `toml:"name"`
	Version     string        `toml:"version"`
	HostVersion string        `toml:"host_version"`
	Jobs        []ManifestJob `toml:"jobs"`
}

// ReadExtension decodes dir/plugin.toml. Commands run in dir.
func ReadExtension(dir string) (*Extension, error) {
	path := filepath.Join(dir, ExtensionManifest)
	var f extensionFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Newf("%s has unknown keys: %v", path, undecoded)
	}
	if f.Name == "" {
		f.Name = filepath.Base(dir)
	}

	m := Manifest{Name: f.Name, Jobs: f.Jobs}
	defs, err := m.Definitions(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "extension %s", f.Name)
	}
	return &Extension{Name: f.Name, Version: f.Version, HostVersion: f.HostVersion, Jobs: defs}, nil
}

// readExtensions loads every extension directory under root. Directories
// without a manifest are skipped.
func readExtensions(root string) ([]*Extension, []*SourceError) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []*SourceError{{Source: job.SourcePlugins, Path: root, Err: err}}
	}

	var exts []*Extension
	var errs []*SourceError
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, ExtensionManifest)); err != nil {
			continue
		}
		ext, err := ReadExtension(dir)
		if err != nil {
			errs = append(errs, &SourceError{Source: job.SourcePlugins, Path: dir, Err: err})
			continue
		}
		exts = append(exts, ext)
	}
	return exts, errs
}

// check validates the extension's own version and its constraint against
// host. A host that is not a release version (a dev build) accepts every
// extension.
func (e *Extension) check(host string) error {
	if e.Name == "" {
		return errors.New("extension needs a name")
	}
	if strings.ContainsAny(e.Name, "/ ") {
		return errors.Newf("extension name %q must not contain '/' or spaces", e.Name)
	}
	if e.Version != "" {
		if _, err := semver.NewVersion(e.Version); err != nil {
			return errors.Wrapf(err, "extension %s has an invalid version %s", e.Name, e.Version)
		}
	}
	if e.HostVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(e.HostVersion)
	if err != nil {
		return errors.Wrapf(err, "invalid host version constraint %s", e.HostVersion)
	}
	hostVer, err := semver.NewVersion(host)
	if err != nil {
		return nil
	}
	if !constraint.Check(hostVer) {
		return errors.Newf("extension %s requires jobkit %s, but running %s", e.Name, e.HostVersion, host)
	}
	return nil
}
