package capability

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/weftlabs/weft/internal/natsbus"
)

// execReply is the wire shape executors answer with on their
// request/reply subject.
type execReply struct {
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NATSInvoker dispatches invocations over the bus with request/reply
// on exec.<kind>.<target>. Whatever subscribes there (a local process,
// a shell bridge, a container) is the executor.
type NATSInvoker struct {
	client *natsbus.Client
}

func NewNATSInvoker(client *natsbus.Client) *NATSInvoker {
	return &NATSInvoker{client: client}
}

func (n *NATSInvoker) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	data, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("marshal invocation: %w", err)
	}

	topic := natsbus.TopicExec(string(inv.Kind), inv.Target)
	msg, err := n.client.RequestWithContext(ctx, topic, data)
	if err != nil {
		return nil, fmt.Errorf("executor request on %s: %w", topic, err)
	}

	var reply execReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode executor reply: %w", err)
	}
	if !reply.OK {
		return nil, fmt.Errorf("executor error: %s", reply.Error)
	}
	return reply.Payload, nil
}
