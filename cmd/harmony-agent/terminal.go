// ABOUTME: Terminal rendering for harmony-agent: incoming frames, connection events, stdin commands
// ABOUTME: Lines starting with / are commands, everything else is sent as chat

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/harmony-gateway/internal/client"
	"github.com/2389/harmony-gateway/internal/protocol"
)

var (
	success = color.New(color.FgGreen)
	failure = color.New(color.FgRed, color.Bold)
	warn    = color.New(color.FgYellow)
	dim     = color.New(color.FgHiBlack)
	speaker = color.New(color.FgCyan, color.Bold)
)

var errQuit = errors.New("quit")

const helpText = `Commands:
  /whoami            show identity and stats
  /role <name>       switch role
  /history [limit]   show past sessions
  /task <title>      create a task
  /claim <task-id>   claim a task
  /done <task-id>    complete a task
  /help              this text
  /quit              leave`

// parseLine turns a stdin line into an outbound frame. It returns nil for
// blank lines and for commands handled locally.
func parseLine(line string) (protocol.Inbound, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	if !strings.HasPrefix(line, "/") {
		return &protocol.Chat{Text: line}, nil
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "quit", "exit":
		return nil, errQuit
	case "help":
		fmt.Println(helpText)
		return nil, nil
	case "whoami":
		return &protocol.WhoAmI{}, nil
	case "role":
		if arg == "" {
			return nil, fmt.Errorf("usage: /role <name>")
		}
		return &protocol.SwitchRole{NewRole: arg}, nil
	case "history":
		req := &protocol.GetHistory{}
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("history limit must be a positive number")
			}
			req.Limit = n
		}
		return req, nil
	case "task":
		if arg == "" {
			return nil, fmt.Errorf("usage: /task <title>")
		}
		return &protocol.Task{Action: protocol.TaskCreate, Task: &protocol.TaskInfo{Title: arg}}, nil
	case "claim", "done":
		if arg == "" {
			return nil, fmt.Errorf("usage: /%s <task-id>", cmd)
		}
		action := protocol.TaskClaim
		if cmd == "done" {
			action = protocol.TaskComplete
		}
		return &protocol.Task{Action: action, TaskID: arg}, nil
	default:
		return nil, fmt.Errorf("unknown command /%s (try /help)", cmd)
	}
}

// chatLoop reads stdin until EOF, /quit or cancellation.
func chatLoop(ctx context.Context, agent *client.Agent, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			msg, err := parseLine(line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				warn.Println(err)
				continue
			}
			if msg == nil {
				continue
			}
			if err := agent.Send(msg); err != nil {
				warn.Printf("not sent: %v\n", err)
			}
		}
	}
}

func announce(ok protocol.AuthSuccess) {
	if ok.IsReturning {
		success.Printf("Welcome back, %s", ok.DisplayName)
		dim.Printf(" (session %d, %d contributions)\n", ok.TotalSessions, ok.TotalContributions)
	} else {
		success.Printf("Joined as %s\n", ok.DisplayName)
	}
	dim.Printf("  %s · role %s · %s\n", ok.AgentID, ok.Role, ok.SessionID)
	if w := ok.VersionWarning; w != nil {
		warn.Printf("  %s: %s\n", w.Severity, w.Message)
		if w.UpgradeAction != "" {
			fmt.Printf("  %s\n", w.UpgradeAction)
		}
	}
	dim.Println("  type /help for commands")
}

// render prints one incoming frame.
func render(t protocol.Type, data []byte) {
	switch t {
	case protocol.TypeChat:
		var m protocol.ChatBroadcast
		if decode(data, &m) {
			speaker.Printf("%s", m.DisplayName)
			dim.Printf(" [%s] ", m.Role)
			fmt.Println(m.Text)
		}
	case protocol.TypeSessionUpdate:
		var m protocol.SessionUpdate
		if decode(data, &m) {
			dim.Printf("* %s %s (%d online)\n", m.DisplayName, m.Event, m.ActiveSessions)
		}
	case protocol.TypeRoleChanged:
		var m protocol.RoleChanged
		if decode(data, &m) {
			success.Printf("role changed: %s -> %s\n", m.OldRole, m.NewRole)
		}
	case protocol.TypeIdentityInfo:
		var m protocol.IdentityInfo
		if decode(data, &m) {
			fmt.Printf("%s (%s) role %s\n", m.DisplayName, m.AgentID, m.Role)
			dim.Printf("  first seen %s · %d sessions · %d messages\n",
				m.FirstSeen.Format("2006-01-02"), m.Stats.TotalSessions, m.Stats.TotalMessages)
		}
	case protocol.TypeHistoryReport:
		var m protocol.HistoryReport
		if decode(data, &m) {
			fmt.Println(m.Report)
		}
	case protocol.TypeTaskUpdate:
		var m protocol.TaskUpdate
		if decode(data, &m) {
			fmt.Printf("task %s: %s", m.Event, m.Task.Title)
			dim.Printf(" [%s]\n", m.Task.ID)
		}
	case protocol.TypeTaskRejection:
		var m protocol.TaskRejection
		if decode(data, &m) {
			warn.Printf("task %s rejected: %s\n", m.TaskID, m.Reason)
		}
	case protocol.TypeDecisionMade:
		var m protocol.DecisionMade
		if decode(data, &m) {
			success.Printf("decision on %s: %s", m.ProposalID, m.Decision)
			dim.Printf(" (confidence %.2f, diversity %.2f)\n", m.Confidence, m.DiversityScore)
		}
	case protocol.TypeDiversityIntervention:
		var m protocol.DiversityIntervention
		if decode(data, &m) {
			warn.Printf("held back: %s\n", m.Reason)
			for _, s := range m.Suggestions {
				dim.Printf("  - %s\n", s)
			}
		}
	case protocol.TypeError:
		var m protocol.Error
		if decode(data, &m) {
			failure.Printf("error: %s\n", m.Message)
		}
	case protocol.TypeAuthSuccess, protocol.TypeAuthFailed:
	default:
		dim.Printf("<%s> %s\n", t, data)
	}
}

func decode(data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		warn.Printf("malformed frame: %v\n", err)
		return false
	}
	return true
}

// terminal prints connection lifecycle events.
type terminal struct {
	client.NopObserver
}

func (terminal) OnDisconnected(ev client.Disconnected) {
	if ev.Manual {
		return
	}
	warn.Printf("disconnected (%d %s)\n", ev.Code, ev.Reason)
}

func (terminal) OnReconnecting(ev client.Reconnecting) {
	dim.Printf("reconnecting in %s (attempt %d/%d)\n", ev.Delay.Round(time.Millisecond), ev.Attempt, ev.MaxAttempts)
}

func (terminal) OnConnected(ev client.Connected) {
	if ev.Reconnected {
		success.Println("reconnected")
	}
}

func (terminal) OnReconnectFailed(ev client.ReconnectFailed) {
	failure.Printf("gave up after %d attempts: %s\n", ev.Attempts, ev.LastError)
}

func (terminal) OnError(err *client.TransportError) {
	if err.Remedy != "" {
		dim.Printf("%s (%s)\n", err.Message, err.Remedy)
	}
}

func (terminal) OnMessageQueued(ev client.MessageQueued) {
	if ev.Dropped > 0 {
		warn.Printf("offline queue full, dropped %d\n", ev.Dropped)
	}
}
