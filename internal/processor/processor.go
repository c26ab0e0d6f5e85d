// Package processor provides worker functions for the shard pool.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/joss/litbatch/internal/artifact"
	"github.com/joss/litbatch/internal/logging"
	"github.com/joss/litbatch/internal/orchestrator"
)

const (
	DefaultItemTimeout = 10 * time.Minute
	stderrTail         = 2048
)

// Options configures a CommandProcessor.
type Options struct {
	// Command is run once per item. {item}, {index} and {shard} are replaced
	// in every argument.
	Command     string
	ItemTimeout time.Duration
	// FailOnItemError fails the whole shard on the first item error instead
	// of recording it and moving on.
	FailOnItemError bool
	Env             []string
}

// CommandProcessor runs an external command for every item in a shard.
type CommandProcessor struct {
	argv []string
	opts Options
	log  *logging.Logger
}

// NewCommandProcessor parses the command line.
func NewCommandProcessor(opts Options) (*CommandProcessor, error) {
	argv, err := shlex.Split(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("processor command is empty")
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = DefaultItemTimeout
	}
	return &CommandProcessor{argv: argv, opts: opts, log: logging.New("processor")}, nil
}

// Process implements orchestrator.ProcessShardFunc.
func (p *CommandProcessor) Process(ctx context.Context, task orchestrator.ShardTask) (orchestrator.ShardOutcome, error) {
	log := p.log.WithShard(task.Shard.ID).FromContext(ctx)
	start := time.Now()
	out := orchestrator.ShardOutcome{ShardID: task.Shard.ID}

	w, err := artifact.Create(task.OutputPath)
	if err != nil {
		return out, err
	}

	itemErrors := 0
	for i, item := range task.Shard.Items {
		if err := ctx.Err(); err != nil {
			w.Abort()
			return out, err
		}
		index := task.Shard.StartIndex + i
		rec := p.runItem(ctx, task.Shard.ID, index, item)
		if rec.Error != "" {
			itemErrors++
			log.Warn("item_failed", map[string]interface{}{"index": index, "item": item, "error": rec.Error}, nil)
			if p.opts.FailOnItemError {
				w.Abort()
				out.ProcessedCount = i
				out.Error = fmt.Sprintf("item %d (%s): %s", index, item, rec.Error)
				return out, nil
			}
		}
		if err := w.Write(rec); err != nil {
			w.Abort()
			return out, err
		}
	}

	if err := w.Commit(); err != nil {
		return out, err
	}
	out.Success = true
	out.ProcessedCount = w.Count()
	log.TimedEvent("shard_processed", start, map[string]interface{}{
		"items":       out.ProcessedCount,
		"item_errors": itemErrors,
	})
	return out, nil
}

func (p *CommandProcessor) runItem(ctx context.Context, shardID, index int, item string) artifact.Record {
	rec := artifact.Record{Index: index, Item: item}

	ictx, cancel := context.WithTimeout(ctx, p.opts.ItemTimeout)
	defer cancel()

	repl := strings.NewReplacer(
		"{item}", item,
		"{index}", strconv.Itoa(index),
		"{shard}", strconv.Itoa(shardID),
	)
	args := make([]string, len(p.argv))
	for i, a := range p.argv {
		args[i] = repl.Replace(a)
	}

	cmd := exec.CommandContext(ictx, args[0], args[1:]...)
	cmd.WaitDelay = 5 * time.Second
	cmd.Env = append(os.Environ(), p.opts.Env...)
	cmd.Env = append(cmd.Env,
		"LITBATCH_ITEM="+item,
		"LITBATCH_INDEX="+strconv.Itoa(index),
		"LITBATCH_SHARD="+strconv.Itoa(shardID),
		"LITBATCH_ATTEMPT_ID="+logging.AttemptID(ctx),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	switch {
	case err == nil:
	case errors.Is(ictx.Err(), context.DeadlineExceeded):
		rec.Error = fmt.Sprintf("timed out after %s", p.opts.ItemTimeout)
		return rec
	default:
		rec.Error = err.Error()
		if tail := tailOf(stderr.Bytes()); tail != "" {
			rec.Error += ": " + tail
		}
		return rec
	}

	rec.Result = resultOf(stdout.Bytes())
	return rec
}

// resultOf keeps JSON output as-is and wraps anything else as a JSON string.
func resultOf(out []byte) json.RawMessage {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil
	}
	if json.Valid(out) {
		return json.RawMessage(append([]byte(nil), out...))
	}
	b, _ := json.Marshal(string(out))
	return b
}

func tailOf(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > stderrTail {
		b = b[len(b)-stderrTail:]
	}
	return string(b)
}

// Echo records every item without running anything. Used for dry runs.
func Echo(ctx context.Context, task orchestrator.ShardTask) (orchestrator.ShardOutcome, error) {
	out := orchestrator.ShardOutcome{ShardID: task.Shard.ID}
	w, err := artifact.Create(task.OutputPath)
	if err != nil {
		return out, err
	}
	for i, item := range task.Shard.Items {
		if err := ctx.Err(); err != nil {
			w.Abort()
			return out, err
		}
		if err := w.Write(artifact.Record{
			Index:  task.Shard.StartIndex + i,
			Item:   item,
			Result: json.RawMessage(`{"dry_run":true}`),
		}); err != nil {
			w.Abort()
			return out, err
		}
	}
	if err := w.Commit(); err != nil {
		return out, err
	}
	out.Success = true
	out.ProcessedCount = w.Count()
	return out, nil
}
