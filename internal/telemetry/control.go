package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Control commands
const (
	CommandStop      = "stop"
	CommandGetStatus = "get_status"
)

// Command is a control plane request.
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response answers a Command.
type Response struct {
	CommandAck string `json:"command_ack"`
	Status     string `json:"status"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Callbacks wire control commands to the running process.
type Callbacks struct {
	OnStop      func() error
	OnGetStatus func() any
}

// ParseCommand decodes a control message.
func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if cmd.Command == "" {
		return Command{}, fmt.Errorf("missing command")
	}
	return cmd, nil
}

// HandleCommand executes cmd and builds the response.
func HandleCommand(cmd Command, cb Callbacks) Response {
	resp := Response{
		CommandAck: cmd.Command,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	switch cmd.Command {
	case CommandStop:
		if cb.OnStop == nil {
			resp.Status = "error"
			resp.Error = "stop not implemented"
			break
		}
		if err := cb.OnStop(); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		resp.Status = "stopping"

	case CommandGetStatus:
		if cb.OnGetStatus == nil {
			resp.Status = "error"
			resp.Error = "get_status not implemented"
			break
		}
		resp.Status = "success"
		resp.Data = cb.OnGetStatus()

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	slog.Info("control command handled",
		"command", cmd.Command,
		"status", resp.Status,
	)
	return resp
}
