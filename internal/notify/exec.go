package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// ExecSink runs a command per notification with the JSON payload on stdin,
// for local delivery (notify-send, terminal bells, scripts).
type ExecSink struct {
	Command string
	Args    []string
}

func (s ExecSink) Deliver(ctx context.Context, n Notification) error {
	if s.Command == "" {
		return fmt.Errorf("%w: command is required", ErrPermanent)
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%w: encode notification: %v", ErrPermanent, err)
	}
	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %v; out=%s", ErrTransient, err, string(out))
	}
	return nil
}
