// weftfeed feeds a model stream into the gateway over the bus and
// prints the turn's event sequence as it arrives.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nats-io/nats.go"
)

type ipcRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type ipcResponse struct {
	OK     bool   `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
	TurnID string `json:"turn_id,omitempty"`
	Events string `json:"events,omitempty"`
}

type outputEvent struct {
	Type    string `json:"type"`
	Thought string `json:"thought,omitempty"`
	Context string `json:"context,omitempty"`
	Action  *struct {
		ID        string `json:"id"`
		Kind      string `json:"kind"`
		Target    string `json:"target"`
		Operation string `json:"operation"`
	} `json:"action,omitempty"`
	Result *struct {
		ActionID string          `json:"action_id"`
		Payload  json.RawMessage `json:"payload,omitempty"`
		Failure  *struct {
			Kind   string `json:"kind"`
			Detail string `json:"detail"`
		} `json:"failure,omitempty"`
	} `json:"result,omitempty"`
	ErrKind     string `json:"err_kind,omitempty"`
	ErrDetail   string `json:"err_detail,omitempty"`
	Terminating bool   `json:"terminating,omitempty"`
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  weftfeed <stream-file>")
	fmt.Fprintln(os.Stderr, "  weftfeed -            (read stream from stdin)")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	var stream []byte
	var err error
	if os.Args[1] == "-" {
		stream, err = io.ReadAll(os.Stdin)
	} else {
		stream, err = os.ReadFile(os.Args[1])
	}
	if err != nil {
		fatal("read stream: %v", err)
	}
	if len(stream) == 0 {
		fatal("stream is empty")
	}

	conn, err := nats.Connect(natsURL)
	if err != nil {
		fatal("connect to nats: %v", err)
	}
	defer conn.Close()

	data, err := json.Marshal(ipcRequest{
		Type:    "run_turn",
		Payload: map[string]any{"stream": string(stream)},
	})
	if err != nil {
		fatal("marshal request: %v", err)
	}

	msg, err := conn.Request("weft.ipc", data, 10*time.Second)
	if err != nil {
		fatal("ipc request: %v", err)
	}

	var resp ipcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		fatal("unmarshal response: %v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}

	fmt.Printf("turn %s\n", resp.TurnID)

	done := make(chan struct{})
	sub, err := conn.Subscribe(resp.Events, func(m *nats.Msg) {
		var ev outputEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			return
		}
		printEvent(ev)
		if ev.Type == "turn_done" {
			close(done)
		}
	})
	if err != nil {
		fatal("subscribe events: %v", err)
	}
	defer sub.Unsubscribe()

	select {
	case <-done:
	case <-time.After(10 * time.Minute):
		fatal("timed out waiting for turn to finish")
	}
}

func printEvent(ev outputEvent) {
	switch ev.Type {
	case "thought_delta":
		fmt.Print(ev.Thought)
	case "context_feed":
		fmt.Printf("\n[context] %s\n", ev.Context)
	case "action_declared":
		fmt.Printf("\n[declared] %s %s/%s.%s\n", ev.Action.ID, ev.Action.Kind, ev.Action.Target, ev.Action.Operation)
	case "action_result":
		if ev.Result.Failure != nil {
			fmt.Printf("[failed] %s %s: %s\n", ev.Result.ActionID, ev.Result.Failure.Kind, ev.Result.Failure.Detail)
		} else {
			fmt.Printf("[done] %s %s\n", ev.Result.ActionID, string(ev.Result.Payload))
		}
	case "error":
		fmt.Printf("\n[error] %s: %s\n", ev.ErrKind, ev.ErrDetail)
	case "turn_done":
		fmt.Printf("\n[turn done] terminating=%v\n", ev.Terminating)
	}
}
