// Package taskfn names the two essential registered queue functions, so pkg/scheduler and
// pkg/dispatcher can refer to each other's queue.Handler by name without
// importing each other.
package taskfn

const (
	// ProcessAgentTurn is the name under which pkg/dispatcher registers its
	// per-turn handler.
	ProcessAgentTurn = "process_agent_turn"
	// SchedulerTick is the name under which pkg/scheduler registers its
	// perpetual per-tick handler.
	SchedulerTick = "scheduler_tick"
)
