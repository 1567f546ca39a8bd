package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/weftlabs/weft/internal/natsbus"
	"github.com/weftlabs/weft/internal/schedule"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/turn"
)

// IPCCommand is the envelope for commands on the gateway's bus
// subject.
type IPCCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServeIPC subscribes to the command subject. The subscription lives
// until the client closes.
func (g *Gateway) ServeIPC(ctx context.Context) error {
	_, err := g.client.Subscribe(natsbus.TopicIPC, func(msg *nats.Msg) {
		g.handleIPC(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe ipc: %w", err)
	}
	slog.Info("ipc serving", "subject", natsbus.TopicIPC)
	return nil
}

func (g *Gateway) handleIPC(ctx context.Context, msg *nats.Msg) {
	var cmd IPCCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		respond(msg, map[string]any{"error": "invalid command"})
		return
	}

	slog.Info("IPC command received", "type", cmd.Type)

	switch cmd.Type {
	case "run_turn":
		g.ipcRunTurn(ctx, msg, cmd.Payload)
	case "cancel_turn":
		g.ipcCancelTurn(msg, cmd.Payload)
	case "get_turn":
		g.ipcGetTurn(msg, cmd.Payload)
	case "list_turns":
		g.ipcListTurns(msg)
	case "set_var":
		g.ipcSetVar(msg, cmd.Payload)
	case "get_var":
		g.ipcGetVar(msg, cmd.Payload)
	case "create_prompt":
		g.ipcCreatePrompt(msg, cmd.Payload)
	case "list_prompts":
		g.ipcListPrompts(msg)
	case "delete_prompt":
		g.ipcDeletePrompt(msg, cmd.Payload)
	case "set_secret":
		g.ipcSetSecret(msg, cmd.Payload)
	case "list_secrets":
		g.ipcListSecrets(msg)
	case "delete_secret":
		g.ipcDeleteSecret(msg, cmd.Payload)
	default:
		slog.Warn("unknown IPC command", "type", cmd.Type)
		respond(msg, map[string]any{"error": "unknown command: " + cmd.Type})
	}
}

func respond(msg *nats.Msg, data any) {
	resp, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(resp); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}

// ipcRunTurn starts a turn over a complete stream text. The reply
// carries the turn id; events flow on the turn's event subject.
func (g *Gateway) ipcRunTurn(ctx context.Context, msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		Stream    string `json:"stream"`
		ChunkSize int    `json:"chunk_size"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if req.Stream == "" {
		respond(msg, map[string]any{"error": "stream is required"})
		return
	}
	if req.ChunkSize <= 0 {
		req.ChunkSize = 64
	}

	id, err := g.StartTurn(ctx, turn.NewStringSource(req.Stream, req.ChunkSize), "ipc")
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("open failed: %v", err)})
		return
	}
	respond(msg, map[string]any{"ok": true, "turn_id": id, "events": natsbus.TopicTurnEvents(id)})
}

func (g *Gateway) ipcCancelTurn(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		respond(msg, map[string]any{"error": "id is required"})
		return
	}
	respond(msg, map[string]any{"ok": true, "cancelled": g.CancelTurn(req.ID)})
}

func (g *Gateway) ipcGetTurn(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		respond(msg, map[string]any{"error": "id is required"})
		return
	}
	rec, err := g.store.GetTurn(req.ID)
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("get failed: %v", err)})
		return
	}
	if rec == nil {
		respond(msg, map[string]any{"error": "turn not found"})
		return
	}
	actions, err := g.store.ListActions(req.ID)
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("list actions failed: %v", err)})
		return
	}
	respond(msg, map[string]any{"ok": true, "turn": rec, "actions": actions})
}

func (g *Gateway) ipcListTurns(msg *nats.Msg) {
	turns, err := g.store.ListTurns(50)
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("list failed: %v", err)})
		return
	}
	respond(msg, map[string]any{"ok": true, "turns": turns})
}

func (g *Gateway) ipcSetVar(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Key == "" {
		respond(msg, map[string]any{"error": "key is required"})
		return
	}
	if err := g.store.SetVar(req.Key, req.Value); err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("set failed: %v", err)})
		return
	}
	respond(msg, map[string]any{"ok": true})
}

func (g *Gateway) ipcGetVar(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Key == "" {
		respond(msg, map[string]any{"error": "key is required"})
		return
	}
	value, ok, err := g.store.GetVar(req.Key)
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("get failed: %v", err)})
		return
	}
	if !ok {
		respond(msg, map[string]any{"error": "var not set"})
		return
	}
	respond(msg, map[string]any{"ok": true, "key": req.Key, "value": value})
}

func (g *Gateway) ipcCreatePrompt(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		Name     string `json:"name"`
		Schedule string `json:"schedule"`
		Prompt   string `json:"prompt"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if req.Name == "" || req.Schedule == "" || req.Prompt == "" {
		respond(msg, map[string]any{"error": "name, schedule, and prompt are required"})
		return
	}

	normalized, err := schedule.NormalizeSchedule(req.Schedule)
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("invalid schedule: %v", err)})
		return
	}

	p := &store.ScheduledPrompt{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Schedule:  normalized,
		Prompt:    req.Prompt,
		Status:    "active",
		NextRunAt: schedule.CalculateNextRun(normalized),
	}
	if err := g.store.SavePrompt(p); err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("save failed: %v", err)})
		return
	}

	slog.Info("prompt created via IPC", "id", p.ID, "name", p.Name)
	respond(msg, map[string]any{"ok": true, "id": p.ID})
}

func (g *Gateway) ipcListPrompts(msg *nats.Msg) {
	prompts, err := g.store.ListPrompts()
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("list failed: %v", err)})
		return
	}
	respond(msg, map[string]any{"ok": true, "prompts": prompts})
}

func (g *Gateway) ipcDeletePrompt(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		respond(msg, map[string]any{"error": "id is required"})
		return
	}
	if err := g.store.DeletePrompt(req.ID); err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("delete failed: %v", err)})
		return
	}
	respond(msg, map[string]any{"ok": true})
}

func (g *Gateway) ipcSetSecret(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Name == "" || req.Value == "" {
		respond(msg, map[string]any{"error": "name and value are required"})
		return
	}
	if err := g.SetSecret(req.Name, req.Value); err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("save failed: %v", err)})
		return
	}
	respond(msg, map[string]any{"ok": true})
}

func (g *Gateway) ipcListSecrets(msg *nats.Msg) {
	names, err := g.store.ListSecretNames()
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("list failed: %v", err)})
		return
	}
	respond(msg, map[string]any{"ok": true, "names": names})
}

func (g *Gateway) ipcDeleteSecret(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Name == "" {
		respond(msg, map[string]any{"error": "name is required"})
		return
	}
	if err := g.store.DeleteSecret(req.Name); err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("delete failed: %v", err)})
		return
	}
	respond(msg, map[string]any{"ok": true})
}
