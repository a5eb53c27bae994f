package job

import (
	"strings"

	"github.com/teranos/jobkit/errors"
)

// Source groupings for class paths.
const (
	SourceLocal   = "local"
	SourcePlugins = "plugins"
	gitPrefix     = "git."
)

// GitSource returns the source grouping for a repository slug.
func GitSource(slug string) string { return gitPrefix + slug }

// ClassPath addresses a job as <source_grouping>/<module_dotted_path>/<ClassName>.
type ClassPath struct {
	Source string
	Module string
	Class  string
}

// ParseClassPath splits a class path into its three parts.
// Anything after the second separator belongs to the class name.
func ParseClassPath(s string) (ClassPath, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ClassPath{}, errors.Wrapf(errors.ErrInvalidRequest, "malformed class path %q", s)
	}
	return ClassPath{Source: parts[0], Module: parts[1], Class: parts[2]}, nil
}

func (c ClassPath) String() string {
	return c.Source + "/" + c.Module + "/" + c.Class
}

// Dotted returns the class path with dots in place of slashes, for logger names.
func (c ClassPath) Dotted() string {
	return strings.ReplaceAll(c.String(), "/", ".")
}

// RepositorySlug returns the slug of a git source, or "" for other sources.
func (c ClassPath) RepositorySlug() string {
	if strings.HasPrefix(c.Source, gitPrefix) {
		return strings.TrimPrefix(c.Source, gitPrefix)
	}
	return ""
}
