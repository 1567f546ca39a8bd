package container

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/capability"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/natsbus"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/vault"
)

const secretPrefix = "secret:"

// Runner dispatches invocations to container-backed executors. It
// implements capability.Invoker: on the first invocation for a target
// it starts the executor container, waits for it to join the bus, then
// forwards the invocation over request/reply.
type Runner struct {
	manager *Manager
	bus     *natsbus.Bus
	client  *natsbus.Client
	store   *store.Store
	vault   *vault.Vault
	cfg     config.ExecConfig

	// Per-target static configuration, typically loaded from the
	// config file. Targets without an entry run the default image.
	profiles map[string]ExecutorProfile
}

// ExecutorProfile is the static configuration of one executor target.
type ExecutorProfile struct {
	Image  string            `yaml:"image" json:"image"`
	Env    map[string]string `yaml:"env" json:"env"`
	Mounts []Mount           `yaml:"mounts" json:"mounts"`
}

func NewRunner(manager *Manager, bus *natsbus.Bus, client *natsbus.Client, st *store.Store, v *vault.Vault, cfg config.ExecConfig) *Runner {
	return &Runner{
		manager:  manager,
		bus:      bus,
		client:   client,
		store:    st,
		vault:    v,
		cfg:      cfg,
		profiles: make(map[string]ExecutorProfile),
	}
}

// SetProfile registers static configuration for a target.
func (r *Runner) SetProfile(target string, p ExecutorProfile) {
	r.profiles[target] = p
}

func (r *Runner) Invoke(ctx context.Context, inv capability.Invocation) (json.RawMessage, error) {
	if err := r.ensureExecutor(ctx, inv); err != nil {
		return nil, err
	}
	r.manager.Touch(inv.Target)

	body, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("marshal invocation: %w", err)
	}

	msg, err := r.client.RequestWithContext(ctx, natsbus.TopicExec(string(inv.Kind), inv.Target), body)
	if err != nil {
		return nil, fmt.Errorf("executor request: %w", err)
	}

	var reply struct {
		OK      bool            `json:"ok"`
		Payload json.RawMessage `json:"payload,omitempty"`
		Error   string          `json:"error,omitempty"`
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode executor reply: %w", err)
	}
	if !reply.OK {
		return nil, fmt.Errorf("%s", reply.Error)
	}
	return reply.Payload, nil
}

func (r *Runner) ensureExecutor(ctx context.Context, inv capability.Invocation) error {
	if r.manager.GetRunning(inv.Target) != nil {
		return nil
	}

	profile := r.profiles[inv.Target]
	env, err := r.resolveSecrets(profile.Env)
	if err != nil {
		return err
	}

	clientsBefore := r.bus.NumClients()

	_, err = r.manager.StartExecutor(ctx, ExecutorOpts{
		Target:  inv.Target,
		Kind:    string(inv.Kind),
		Image:   profile.Image,
		NATSUrl: r.bus.ExecutorNATSURL(),
		Env:     env,
		Mounts:  profile.Mounts,
	})
	if err != nil {
		return fmt.Errorf("start executor %s: %w", inv.Target, err)
	}

	return r.waitReady(ctx, inv.Target, clientsBefore)
}

// waitReady blocks until the new container shows up as a bus client.
func (r *Runner) waitReady(ctx context.Context, target string, clientsBefore int) error {
	deadline := time.Now().Add(r.cfg.ReadyTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if r.bus.NumClients() > clientsBefore {
			return nil
		}
		if time.Now().After(deadline) {
			_ = r.manager.StopExecutor(ctx, target)
			return fmt.Errorf("executor %s not ready after %s", target, r.cfg.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// resolveSecrets replaces env values of the form secret:<name> with the
// decrypted secret. Literal values pass through untouched.
func (r *Runner) resolveSecrets(env map[string]string) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}

	resolved := make(map[string]string, len(env))
	for k, v := range env {
		if !strings.HasPrefix(v, secretPrefix) {
			resolved[k] = v
			continue
		}
		name := strings.TrimPrefix(v, secretPrefix)
		if r.store == nil || r.vault == nil {
			return nil, fmt.Errorf("env %s references secret %q but no vault is configured", k, name)
		}
		sec, err := r.store.GetSecret(name)
		if err != nil {
			return nil, err
		}
		if sec == nil {
			return nil, fmt.Errorf("env %s references unknown secret %q", k, name)
		}
		plain, err := r.vault.Decrypt(sec.Value, sec.Nonce)
		if err != nil {
			return nil, fmt.Errorf("decrypt secret %q: %w", name, err)
		}
		resolved[k] = string(plain)
	}
	return resolved, nil
}
