// Package gateway owns the running system: it opens turns over model
// streams, persists their actions and results, and fans the ordered
// output events out to the bus and the web hub.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weftlabs/weft/internal/action"
	"github.com/weftlabs/weft/internal/capability"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/natsbus"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/turn"
	"github.com/weftlabs/weft/internal/vault"
)

// Broadcaster receives every output event for live subscribers. The
// web hub implements it.
type Broadcaster interface {
	Broadcast(data []byte)
}

type Gateway struct {
	cfg      *config.Config
	store    *store.Store
	client   *natsbus.Client
	registry capability.Registry
	vault    *vault.Vault // nil when no passphrase is configured

	mu          sync.RWMutex
	broadcaster Broadcaster
	active      map[string]context.CancelFunc // turn id → cancel
}

func New(cfg *config.Config, st *store.Store, client *natsbus.Client, registry capability.Registry, v *vault.Vault) *Gateway {
	return &Gateway{
		cfg:      cfg,
		store:    st,
		client:   client,
		registry: registry,
		vault:    v,
		active:   make(map[string]context.CancelFunc),
	}
}

// SetBroadcaster attaches the live event sink. Called once during
// startup, before any turn runs.
func (g *Gateway) SetBroadcaster(b Broadcaster) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.broadcaster = b
}

// RunTurn drives one turn over src to completion, persisting state and
// publishing every event. It returns once the terminal event has been
// recorded.
func (g *Gateway) RunTurn(ctx context.Context, src turn.Source, sourceLabel string) (string, error) {
	t, err := g.openTurn(sourceLabel)
	if err != nil {
		return "", err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.trackTurn(t.ID(), cancel)
	defer g.untrackTurn(t.ID())

	g.consume(t.Run(turnCtx, src), t.ID())
	return t.ID(), nil
}

// StartTurn runs a turn in the background and returns its id
// immediately. Events are observable on the turn's bus subject.
func (g *Gateway) StartTurn(ctx context.Context, src turn.Source, sourceLabel string) (string, error) {
	t, err := g.openTurn(sourceLabel)
	if err != nil {
		return "", err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	g.trackTurn(t.ID(), cancel)

	go func() {
		defer cancel()
		defer g.untrackTurn(t.ID())
		g.consume(t.Run(turnCtx, src), t.ID())
	}()

	return t.ID(), nil
}

func (g *Gateway) openTurn(sourceLabel string) (*turn.Turn, error) {
	t := turn.New(turn.Options{
		Registry:       g.registry,
		Vars:           &storeVars{store: g.store},
		DefaultTimeout: g.cfg.Engine.DefaultActionTimeout,
		EventBuffer:    g.cfg.Engine.EventBuffer,
	})

	rec := &store.TurnRecord{
		ID:        t.ID(),
		Status:    "running",
		Source:    sourceLabel,
		StartedAt: time.Now(),
	}
	if err := g.store.SaveTurn(rec); err != nil {
		return nil, err
	}
	slog.Info("turn opened", "turn", t.ID(), "source", sourceLabel)
	return t, nil
}

// consume drains one turn's event sequence, persisting action state
// transitions and publishing every event. Declared actions are copied
// at declaration time so later persistence does not read graph nodes
// the coordinator still owns.
func (g *Gateway) consume(events <-chan turn.OutputEvent, turnID string) {
	declared := make(map[string]action.Action)
	sawError := false

	for ev := range events {
		switch ev.Type {
		case turn.EventActionDeclared:
			declared[ev.Action.ID] = *ev.Action
			a := declared[ev.Action.ID]
			if err := g.store.SaveAction(turnID, &a); err != nil {
				slog.Error("failed to persist action", "turn", turnID, "action", a.ID, "error", err)
			}

		case turn.EventActionResult:
			a, ok := declared[ev.Result.ActionID]
			if !ok {
				a = action.Action{ID: ev.Result.ActionID}
			}
			a.Result = ev.Result
			if ev.Result.OK() {
				a.Status = action.StatusSucceeded
			} else if ev.Result.Failure.Kind == action.FailCancelled {
				a.Status = action.StatusCancelled
			} else {
				a.Status = action.StatusFailed
			}
			declared[a.ID] = a
			if err := g.store.SaveAction(turnID, &a); err != nil {
				slog.Error("failed to persist action result", "turn", turnID, "action", a.ID, "error", err)
			}

		case turn.EventError:
			sawError = true

		case turn.EventTurnDone:
			status := "done"
			if sawError {
				status = "error"
			}
			if err := g.store.CompleteTurn(turnID, status, ev.Terminating); err != nil {
				slog.Error("failed to complete turn record", "turn", turnID, "error", err)
			}
		}

		g.publishEvent(turnID, ev)
	}
}

// CancelTurn requests cancellation of a running turn. Reports whether
// the turn was active.
func (g *Gateway) CancelTurn(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	cancel, ok := g.active[id]
	if ok {
		cancel()
	}
	return ok
}

// OpenTurn satisfies the scheduler: a stored prompt is handed to the
// upstream model bridge over the bus, which answers by feeding the
// produced stream back through run_turn. The turn id is assigned here
// so the schedule run can be correlated with the eventual turn.
func (g *Gateway) OpenTurn(ctx context.Context, prompt string) (string, error) {
	id := uuid.New().String()
	req := map[string]string{"turn_id": id, "prompt": prompt}
	if err := g.client.PublishJSON(natsbus.TopicTurnRequest, req); err != nil {
		return "", fmt.Errorf("request turn: %w", err)
	}
	return id, nil
}

func (g *Gateway) trackTurn(id string, cancel context.CancelFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active[id] = cancel
}

func (g *Gateway) untrackTurn(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, id)
}

func (g *Gateway) publishEvent(turnID string, ev turn.OutputEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := g.client.Publish(natsbus.TopicTurnEvents(turnID), data); err != nil {
		slog.Warn("failed to publish event", "turn", turnID, "error", err)
	}

	g.mu.RLock()
	b := g.broadcaster
	g.mu.RUnlock()
	if b != nil {
		b.Broadcast(data)
	}
}

// SetSecret encrypts and stores a named secret. Fails when no vault
// passphrase is configured.
func (g *Gateway) SetSecret(name, value string) error {
	if g.vault == nil {
		return fmt.Errorf("no vault passphrase configured")
	}
	ciphertext, nonce, err := g.vault.Encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}
	return g.store.SaveSecret(&store.Secret{Name: name, Value: ciphertext, Nonce: nonce})
}

// storeVars backs the internal var actions with the durable key/value
// table, so values survive across turns.
type storeVars struct {
	store *store.Store
}

func (v *storeVars) Get(key string) (json.RawMessage, bool, error) {
	return v.store.GetVar(key)
}

func (v *storeVars) Set(key string, value json.RawMessage) error {
	return v.store.SetVar(key, value)
}
