// Package interactive provides the interactive command-line interface
// for hublink-device.
package interactive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/hublink/hublink-go/pkg/iothub"
	"github.com/hublink/hublink-go/pkg/provisioning"
	"github.com/hublink/hublink-go/pkg/sastoken"
)

// requestTimeout bounds each command's service round trip.
const requestTimeout = 30 * time.Second

// Status is a snapshot of the device for the status command.
type Status struct {
	RegistrationID    string
	Hub               string
	DeviceID          string
	RegisteredAt      time.Time
	CachePath         string
	Connection        string
	ReconnectAttempts int
	PendingRequests   int
	Interval          time.Duration
	MessagesSent      int64
}

// Device is what the shell operates on.
type Device interface {
	Status() Status
	Register(ctx context.Context) (*provisioning.RegistrationResult, error)
	Twin(ctx context.Context) (*iothub.Twin, error)
	Report(ctx context.Context, patch map[string]any) (int, error)
	Send(ctx context.Context, payload []byte) error
	Token() (*sastoken.Token, error)
	Drop()
	PushDesired(patch map[string]any) bool
}

// Shell handles interactive mode for hublink-device.
type Shell struct {
	rl  *readline.Instance
	out io.Writer
}

// New creates the shell. Logs should be written to Stderr so they do not
// interfere with the prompt.
func New() (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "hublink> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("help"),
			readline.PcItem("status"),
			readline.PcItem("register"),
			readline.PcItem("twin"),
			readline.PcItem("report"),
			readline.PcItem("send"),
			readline.PcItem("desired"),
			readline.PcItem("token"),
			readline.PcItem("drop"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{rl: rl, out: rl.Stdout()}, nil
}

// Stdout returns a writer that coordinates with the readline input.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Stderr returns a writer that coordinates with the readline input.
func (s *Shell) Stderr() io.Writer {
	return s.rl.Stderr()
}

// Close releases the terminal.
func (s *Shell) Close() error {
	return s.rl.Close()
}

// Run reads commands until quit, EOF or ctx ends. It calls cancel on exit.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc, dev Device) {
	defer s.rl.Close()

	s.printHelp()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}
		if !s.Exec(ctx, dev, line) {
			cancel()
			return
		}
	}
}

// Exec runs one command line. It returns false when the shell should exit.
func (s *Shell) Exec(ctx context.Context, dev Device, line string) bool {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "":
	case "help", "?":
		s.printHelp()
	case "status", "s":
		s.cmdStatus(dev)
	case "register":
		s.cmdRegister(ctx, dev)
	case "twin", "t":
		s.cmdTwin(ctx, dev)
	case "report":
		s.cmdReport(ctx, dev, rest)
	case "send":
		s.cmdSend(ctx, dev, rest)
	case "desired":
		s.cmdDesired(dev, rest)
	case "token":
		s.cmdToken(dev)
	case "drop":
		dev.Drop()
		fmt.Fprintln(s.out, "Connection dropped; the manager will reconnect.")
	case "quit", "exit", "q":
		fmt.Fprintln(s.out, "Exiting...")
		return false
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help')\n", cmd)
	}
	return true
}

func (s *Shell) printHelp() {
	fmt.Fprint(s.out, `Commands:
  status                 Show registration and connection state
  register               Register again with the provisioning service
  twin                   Fetch and print the device twin
  report <json>          Patch reported properties
  send [json]            Send telemetry (a generated reading if empty)
  desired <key> <value>  Push a desired property from the simulated hub
  token                  Show the SAS token last presented to the hub
  drop                   Simulate a connection loss
  quit                   Exit
`)
}

func (s *Shell) cmdStatus(dev Device) {
	st := dev.Status()
	fmt.Fprintf(s.out, "Registration: %s\n", st.RegistrationID)
	if st.Hub != "" {
		fmt.Fprintf(s.out, "Assigned:     %s as %s (%s)\n", st.Hub, st.DeviceID, st.RegisteredAt.Format(time.RFC3339))
	} else {
		fmt.Fprintln(s.out, "Assigned:     -")
	}
	fmt.Fprintf(s.out, "Cache:        %s\n", st.CachePath)
	fmt.Fprintf(s.out, "Connection:   %s", st.Connection)
	if st.ReconnectAttempts > 0 {
		fmt.Fprintf(s.out, " (attempt %d)", st.ReconnectAttempts)
	}
	fmt.Fprintln(s.out)
	fmt.Fprintf(s.out, "Pending:      %d\n", st.PendingRequests)
	fmt.Fprintf(s.out, "Interval:     %s\n", st.Interval)
	fmt.Fprintf(s.out, "Sent:         %d\n", st.MessagesSent)
}

func (s *Shell) cmdRegister(ctx context.Context, dev Device) {
	ctx, cancel := context.WithTimeout(ctx, 2*requestTimeout)
	defer cancel()

	res, err := dev.Register(ctx)
	if err != nil {
		fmt.Fprintf(s.out, "Registration failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Status:    %s\n", res.Status)
	fmt.Fprintf(s.out, "Operation: %s\n", res.OperationID)
	if st := res.RegistrationState; st != nil {
		fmt.Fprintf(s.out, "Hub:       %s\n", st.AssignedHub)
		fmt.Fprintf(s.out, "Device:    %s\n", st.DeviceID)
	}
}

func (s *Shell) cmdTwin(ctx context.Context, dev Device) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	twin, err := dev.Twin(ctx)
	if err != nil {
		fmt.Fprintf(s.out, "Twin request failed: %v\n", err)
		return
	}
	data, _ := json.MarshalIndent(twin, "", "  ")
	fmt.Fprintln(s.out, string(data))
}

func (s *Shell) cmdReport(ctx context.Context, dev Device, arg string) {
	var patch map[string]any
	if err := json.Unmarshal([]byte(arg), &patch); err != nil || patch == nil {
		fmt.Fprintln(s.out, `Usage: report {"key": value}`)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	v, err := dev.Report(ctx, patch)
	if err != nil {
		fmt.Fprintf(s.out, "Report failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Reported properties version %d\n", v)
}

func (s *Shell) cmdSend(ctx context.Context, dev Device, arg string) {
	var payload []byte
	if arg != "" {
		if !json.Valid([]byte(arg)) {
			fmt.Fprintln(s.out, "Payload must be JSON")
			return
		}
		payload = []byte(arg)
	}
	if err := dev.Send(ctx, payload); err != nil {
		fmt.Fprintf(s.out, "Send failed: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, "Sent.")
}

func (s *Shell) cmdDesired(dev Device, arg string) {
	key, raw, ok := strings.Cut(arg, " ")
	if !ok || key == "" {
		fmt.Fprintln(s.out, "Usage: desired <key> <value>")
		return
	}
	raw = strings.TrimSpace(raw)
	var value any = raw
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		value = n
	} else if raw == "null" {
		value = nil
	}
	if !dev.PushDesired(map[string]any{key: value}) {
		fmt.Fprintln(s.out, "Patch not delivered (not connected or not subscribed)")
		return
	}
	fmt.Fprintln(s.out, "Desired patch pushed.")
}

func (s *Shell) cmdToken(dev Device) {
	tok, err := dev.Token()
	if err != nil {
		fmt.Fprintf(s.out, "No token: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Resource: %s\n", tok.ResourceURI())
	if name := tok.KeyName(); name != "" {
		fmt.Fprintf(s.out, "Key name: %s\n", name)
	}
	remaining := time.Until(tok.ExpiryTime()).Round(time.Second)
	fmt.Fprintf(s.out, "Expires:  %s (in %s)\n", tok.ExpiryTime().UTC().Format(time.RFC3339), remaining)
}
