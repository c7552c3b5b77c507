package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/basket/taskrun/internal/persistence"
	"github.com/basket/taskrun/internal/worker"
)

const summaryLimit = 500

// commandExecutor runs the configured executor command once per claimed
// run, with the run serialized as JSON on stdin. Exit 0 completes the
// run; a non-zero exit fails it with the captured stderr.
type commandExecutor struct {
	argv []string
}

func (e *commandExecutor) Execute(ctx context.Context, run *persistence.TaskRun) (worker.Result, error) {
	payload, err := json.Marshal(run)
	if err != nil {
		return worker.Result{}, fmt.Errorf("marshal run: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return worker.Result{}, fmt.Errorf("executor: %s", detail)
	}

	full := stdout.String()
	summary := strings.TrimSpace(full)
	if i := strings.IndexByte(summary, '\n'); i >= 0 {
		summary = summary[:i]
	}
	if len(summary) > summaryLimit {
		summary = summary[:summaryLimit]
	}
	return worker.Result{Summary: summary, Full: full}, nil
}
