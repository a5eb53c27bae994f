package discovery

import "fmt"

// SourceError records a job source that could not be loaded. Discovery logs
// it and carries on with the remaining sources.
type SourceError struct {
	Source string // source grouping, e.g. "local" or "git.netbox-jobs"
	Path   string // file or directory that failed, when known
	Err    error
}

func (e *SourceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("job source %s (%s): %v", e.Source, e.Path, e.Err)
	}
	return fmt.Sprintf("job source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }
