package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicTurnEvents carries the ordered OutputEvent stream of one turn.
func TopicTurnEvents(turnID string) string {
	return fmt.Sprintf("turn.%s.events", turnID)
}

// TopicExec is the request/reply subject an executor serves for a
// given action kind and capability target.
func TopicExec(kind, target string) string {
	return fmt.Sprintf("exec.%s.%s", kind, target)
}

// TopicExecutorInput and TopicExecutorOutput address one managed
// executor container.
func TopicExecutorInput(executorID string) string {
	return fmt.Sprintf("executor.%s.input", executorID)
}

func TopicExecutorOutput(executorID string) string {
	return fmt.Sprintf("executor.%s.output", executorID)
}

// TopicIPC is the gateway's command subject.
const TopicIPC = "weft.ipc"

const (
	TopicEventsAll   = "turn.*.events"
	TopicTurnOpen    = "turn.open"
	TopicTurnRequest = "turn.request"
)
