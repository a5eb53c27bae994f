package job

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/logger"
	"github.com/teranos/jobkit/vars"
)

// LogLevel is the severity of a job log entry.
type LogLevel string

const (
	LevelDefault LogLevel = "default"
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelFailure LogLevel = "failure"
)

// Execution phases used as the grouping of log entries.
const (
	PhaseInitialization = "initialization"
	PhaseRun            = "run"
)

// Entry is a single log line produced during an execution.
type Entry struct {
	Level    LogLevel
	Message  string
	Grouping string
	Object   *vars.Object
}

// LogSink persists log entries for a result as they happen.
type LogSink interface {
	AppendLog(ctx context.Context, resultID string, e Entry) error
}

// Context is handed to a job body. It carries the execution's identity, its
// logging sink, the backends for resolving references, and the soft time limit.
type Context struct {
	ctx       context.Context
	ResultID  string
	ClassPath string
	User      string
	Backends  vars.Backends

	dir       string
	sink      LogSink
	log       *zap.SugaredLogger
	softLimit <-chan struct{}

	mu     sync.Mutex
	phase  string
	failed bool
}

// ContextOptions configures NewContext.
type ContextOptions struct {
	ResultID  string
	ClassPath string
	User      string
	Backends  vars.Backends
	Sink      LogSink
	Logger    *zap.SugaredLogger
	SoftLimit <-chan struct{}
	// Dir is the job's source directory, used by LoadYAML and LoadJSON.
	Dir string
}

// NewContext creates a job context in the initialization phase.
func NewContext(ctx context.Context, opts ContextOptions) *Context {
	log := opts.Logger
	if log == nil {
		log = logger.ComponentLogger("job")
	}
	return &Context{
		ctx:       ctx,
		ResultID:  opts.ResultID,
		ClassPath: opts.ClassPath,
		User:      opts.User,
		Backends:  opts.Backends,
		dir:       opts.Dir,
		sink:      opts.Sink,
		log:       logger.AddJobSymbol(log).With(logger.FieldClassPath, opts.ClassPath, logger.FieldResultID, opts.ResultID),
		softLimit: opts.SoftLimit,
		phase:     PhaseInitialization,
	}
}

// Context returns the execution's context.Context. Data changes recorded with
// it are attributed to this execution.
func (c *Context) Context() context.Context { return c.ctx }

// WithContext swaps the underlying context.Context.
func (c *Context) WithContext(ctx context.Context) { c.ctx = ctx }

// SoftLimit is closed when the soft time limit passes. Jobs may select on it
// to wind down; the hard limit still applies.
func (c *Context) SoftLimit() <-chan struct{} { return c.softLimit }

// SetPhase changes the grouping of subsequent log entries.
func (c *Context) SetPhase(phase string) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
}

// Phase returns the current grouping.
func (c *Context) Phase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Failed reports whether LogFailure has been called.
func (c *Context) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Log appends an entry at the given level, optionally about obj.
func (c *Context) Log(level LogLevel, obj *vars.Object, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	entry := Entry{Level: level, Message: msg, Grouping: c.Phase(), Object: obj}

	kv := []interface{}{logger.FieldPhase, entry.Grouping}
	if obj != nil {
		kv = append(kv, "object_type", obj.Type, "object_pk", obj.PK)
	}
	switch level {
	case LevelFailure:
		c.log.Errorw(msg, kv...)
	case LevelWarning:
		c.log.Warnw(msg, kv...)
	default:
		c.log.Infow(msg, kv...)
	}

	if c.sink == nil {
		return
	}
	if err := c.sink.AppendLog(c.ctx, c.ResultID, entry); err != nil {
		if errors.Is(err, errors.ErrAlreadyTerminal) {
			c.log.Debugw("Dropped log entry for finished result", logger.FieldError, err)
			return
		}
		c.log.Warnw("Failed to persist job log entry", logger.FieldError, err)
	}
}

func (c *Context) LogDebug(format string, args ...any) { c.Log(LevelDefault, nil, format, args...) }
func (c *Context) LogInfo(format string, args ...any)  { c.Log(LevelInfo, nil, format, args...) }
func (c *Context) LogSuccess(format string, args ...any) {
	c.Log(LevelSuccess, nil, format, args...)
}
func (c *Context) LogWarning(format string, args ...any) {
	c.Log(LevelWarning, nil, format, args...)
}

// The *For variants attach the entry to obj.

func (c *Context) LogDebugFor(obj *vars.Object, format string, args ...any) {
	c.Log(LevelDefault, obj, format, args...)
}
func (c *Context) LogInfoFor(obj *vars.Object, format string, args ...any) {
	c.Log(LevelInfo, obj, format, args...)
}
func (c *Context) LogSuccessFor(obj *vars.Object, format string, args ...any) {
	c.Log(LevelSuccess, obj, format, args...)
}
func (c *Context) LogWarningFor(obj *vars.Object, format string, args ...any) {
	c.Log(LevelWarning, obj, format, args...)
}

// LogFailure records a failure entry and returns the Failure outcome the body
// must return:
//
//	if bad {
//		return jc.LogFailure("device %s unreachable", name)
//	}
func (c *Context) LogFailure(format string, args ...any) Outcome {
	return c.LogFailureFor(nil, format, args...)
}

// LogFailureFor is LogFailure with the entry attached to obj.
func (c *Context) LogFailureFor(obj *vars.Object, format string, args ...any) Outcome {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	c.mu.Lock()
	c.failed = true
	c.mu.Unlock()
	c.Log(LevelFailure, obj, "%s", msg)
	return Failure(msg)
}

// LoadYAML decodes the YAML file name, relative to the job's source
// directory, into v.
func (c *Context) LoadYAML(name string, v any) error {
	data, err := c.readDataFile(name)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "failed to parse %s", name)
	}
	return nil
}

// LoadJSON decodes the JSON file name, relative to the job's source
// directory, into v.
func (c *Context) LoadJSON(name string, v any) error {
	data, err := c.readDataFile(name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "failed to parse %s", name)
	}
	return nil
}

func (c *Context) readDataFile(name string) ([]byte, error) {
	if c.dir == "" {
		return nil, errors.Newf("job %s has no source directory to load %s from", c.ClassPath, name)
	}
	if !filepath.IsLocal(name) {
		return nil, errors.WithHint(errors.Newf("data file %s is outside the job directory", name),
			"use a path relative to the job's manifest")
	}
	data, err := os.ReadFile(filepath.Join(c.dir, name))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read data file %s", name)
	}
	return data, nil
}
