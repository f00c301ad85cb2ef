package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ScriptConfig runs an executable per event. The event JSON arrives on
// stdin; CANVAS_EVENT_TYPE, CANVAS_EVENT_ID, CANVAS_USER_ID and
// CANVAS_JOB_ID are set in its environment.
type ScriptConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	// Timeout kills the process. Zero means the caller's context only.
	Timeout time.Duration
	// Marshal encodes the event for stdin. Defaults to JSONMarshaler.
	Marshal func(Event) ([]byte, error)
}

// stderrTail bounds how much of the script's stderr lands in the error.
const stderrTail = 512

// NewScriptHandler returns a Handler that executes cfg.Command per event.
func NewScriptHandler(cfg ScriptConfig) Handler {
	marshal := cfg.Marshal
	if marshal == nil {
		marshal = JSONMarshaler
	}
	return func(ctx context.Context, evt Event) error {
		if cfg.Command == "" {
			return errors.New("hooks: command not configured")
		}
		payload, err := marshal(evt)
		if err != nil {
			return fmt.Errorf("hooks: marshal %s: %w", evt.Type, err)
		}
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		cmd.Stdin = bytes.NewReader(payload)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		cmd.Env = append(cmd.Environ(),
			"CANVAS_EVENT_TYPE="+string(evt.Type),
			"CANVAS_EVENT_ID="+evt.ID,
			"CANVAS_USER_ID="+strconv.FormatInt(evt.UserID, 10),
			"CANVAS_JOB_ID="+evt.JobID,
		)
		for key, val := range cfg.Env {
			cmd.Env = append(cmd.Env, key+"="+val)
		}

		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if len(msg) > stderrTail {
				msg = msg[len(msg)-stderrTail:]
			}
			if msg != "" {
				return fmt.Errorf("hooks: %s for %s: %w: %s", cfg.Command, evt.Type, err, msg)
			}
			return fmt.Errorf("hooks: %s for %s: %w", cfg.Command, evt.Type, err)
		}
		return nil
	}
}

// JSONMarshaler serialises the event as one JSON object.
func JSONMarshaler(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}
