package discovery

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/internal/util"
	"github.com/teranos/jobkit/job"
	"github.com/teranos/jobkit/vars"
)

const (
	maxOutputLine = 1 << 20
	maxStderrTail = 4000
)

// command runs a manifest job as a child process.
//
// The deserialized input is written to stdin as one JSON object. Each stdout
// line becomes a job log entry: JSON lines of the form
// {"level": "warning", "message": "..."} keep their level, a line
// {"result": ...} sets the return value, and anything else is logged as info.
// A non-zero exit fails the job with the tail of stderr.
type command struct {
	argv []string
	dir  string
}

type outputLine struct {
	Level   job.LogLevel    `json:"level"`
	Message string          `json:"message"`
	Object  *vars.Object    `json:"object"`
	Result  json.RawMessage `json:"result"`
}

func (c command) run(jc *job.Context, data map[string]any) job.Outcome {
	input, err := json.Marshal(commandInput(data))
	if err != nil {
		return job.Errored(errors.Wrap(err, "failed to encode job input"))
	}

	cmd := exec.CommandContext(jc.Context(), c.argv[0], c.argv[1:]...)
	cmd.Dir = c.dir
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return job.Errored(errors.Wrap(err, "failed to open command output"))
	}
	if err := cmd.Start(); err != nil {
		return jc.LogFailure("Failed to start %s: %v", c.argv[0], err)
	}

	var value any
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
	for scanner.Scan() {
		if v, ok := handleOutputLine(jc, scanner.Text()); ok {
			value = v
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > maxStderrTail {
			tail = tail[len(tail)-maxStderrTail:]
		}
		return jc.LogFailure("Command %s failed: %v\n```\n%s\n```", c.argv[0], err, tail)
	}
	if scanErr != nil {
		return job.Errored(errors.Wrap(scanErr, "failed to read command output"))
	}
	return job.Success(value)
}

// handleOutputLine logs one stdout line and returns the result value if the
// line carries one.
func handleOutputLine(jc *job.Context, line string) (any, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	var out outputLine
	if !strings.HasPrefix(line, "{") || json.Unmarshal([]byte(line), &out) != nil {
		jc.LogInfo("%s", util.Truncate(line, maxOutputLine))
		return nil, false
	}

	if out.Result != nil {
		var v any
		if err := json.Unmarshal(out.Result, &v); err != nil {
			jc.LogWarning("Ignoring unreadable result: %v", err)
			return nil, false
		}
		return v, true
	}

	switch out.Level {
	case job.LevelFailure:
		jc.LogFailure("%s", out.Message)
	case job.LevelDefault, job.LevelInfo, job.LevelSuccess, job.LevelWarning:
		jc.Log(out.Level, out.Object, "%s", out.Message)
	default:
		jc.Log(job.LevelInfo, out.Object, "%s", out.Message)
	}
	return nil, false
}

// commandInput converts deserialized values into plain JSON. Files are sent
// with their name and base64 content.
func commandInput(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if fv, ok := v.(vars.FileValue); ok {
			out[k] = map[string]any{"name": fv.Name, "data": fv.Data}
			continue
		}
		out[k] = v
	}
	return out
}
