// ABOUTME: Tests for stdin command parsing in harmony-agent
// ABOUTME: Covers chat passthrough, slash commands and usage errors

package main

import (
	"errors"
	"reflect"
	"testing"

	"github.com/2389/harmony-gateway/internal/client"
	"github.com/2389/harmony-gateway/internal/config"
	"github.com/2389/harmony-gateway/internal/protocol"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line    string
		want    protocol.Inbound
		wantErr bool
	}{
		{line: "", want: nil},
		{line: "   ", want: nil},
		{line: "hello there", want: &protocol.Chat{Text: "hello there"}},
		{line: "/whoami", want: &protocol.WhoAmI{}},
		{line: "/role reviewer", want: &protocol.SwitchRole{NewRole: "reviewer"}},
		{line: "/role", wantErr: true},
		{line: "/history", want: &protocol.GetHistory{}},
		{line: "/history 5", want: &protocol.GetHistory{Limit: 5}},
		{line: "/history zero", wantErr: true},
		{line: "/task write docs", want: &protocol.Task{Action: protocol.TaskCreate, Task: &protocol.TaskInfo{Title: "write docs"}}},
		{line: "/claim task-1", want: &protocol.Task{Action: protocol.TaskClaim, TaskID: "task-1"}},
		{line: "/done task-1", want: &protocol.Task{Action: protocol.TaskComplete, TaskID: "task-1"}},
		{line: "/done", wantErr: true},
		{line: "/dance", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseLine(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseLine(%q) succeeded, want error", tt.line)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseLine(%q): %v", tt.line, err)
			}
			if tt.want == nil {
				if got != nil {
					t.Fatalf("parseLine(%q) = %#v, want nil", tt.line, got)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseLine(%q) = %#v, want %#v", tt.line, got, tt.want)
			}
		})
	}
}

func TestParseLine_Quit(t *testing.T) {
	for _, line := range []string{"/quit", "/exit"} {
		if _, err := parseLine(line); !errors.Is(err, errQuit) {
			t.Errorf("parseLine(%q) error = %v, want errQuit", line, err)
		}
	}
}

func TestApplyReconnect(t *testing.T) {
	c := client.DefaultConfig("ws://localhost/ws")
	defaults := c
	applyReconnect(&c, config.AgentReconnectConfig{MaxAttempts: 3, QueueCapacity: 7})

	if c.MaxReconnectAttempts != 3 || c.QueueCapacity != 7 {
		t.Errorf("overrides not applied: %+v", c)
	}
	if c.InitialDelay != defaults.InitialDelay || c.HeartbeatInterval != defaults.HeartbeatInterval {
		t.Errorf("unset fields changed: %+v", c)
	}
}
