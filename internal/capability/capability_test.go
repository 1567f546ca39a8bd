package capability

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/weftlabs/weft/internal/action"
)

func constInvoker(reply string) InvokerFunc {
	return func(ctx context.Context, inv Invocation) (json.RawMessage, error) {
		return json.RawMessage(reply), nil
	}
}

func invoke(t *testing.T, inv Invoker) string {
	t.Helper()
	out, err := inv.Invoke(context.Background(), Invocation{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	return string(out)
}

func TestMuxTargetOverridesKind(t *testing.T) {
	m := NewMux()
	m.RegisterKind(action.KindTool, constInvoker(`"kind"`))
	m.Register(action.KindTool, "special", constInvoker(`"target"`))

	inv, err := m.Resolve(action.KindTool, "special", "op")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := invoke(t, inv); got != `"target"` {
		t.Errorf("expected target-specific invoker, got %s", got)
	}

	inv, err = m.Resolve(action.KindTool, "other", "op")
	if err != nil {
		t.Fatalf("resolve fallback: %v", err)
	}
	if got := invoke(t, inv); got != `"kind"` {
		t.Errorf("expected kind fallback, got %s", got)
	}
}

func TestMuxUnregisteredKind(t *testing.T) {
	m := NewMux()
	if _, err := m.Resolve(action.KindRelic, "anything", "op"); err == nil {
		t.Fatal("expected resolution error")
	}
}
