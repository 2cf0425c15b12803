package host

import "time"

// Scheduler runs work on the host's execution contexts.
type Scheduler interface {
	// ScheduleAsync runs fn on a background worker.
	ScheduleAsync(fn func())
	// ScheduleOnMain runs fn on the main context.
	ScheduleOnMain(fn func())
	// ScheduleDelayed runs fn on the main context after delay.
	ScheduleDelayed(fn func(), delay time.Duration)
}

// Capabilities is the game-server functionality driven by the chat-bot
// service. Methods are called from the main context.
type Capabilities interface {
	Broadcast(text string)
	RunConsoleCommand(command string) error
	ListOnlinePlayers() []string
	// ProcessCPULoad and ProcessMemoryUsage return percentages in [0, 100].
	ProcessCPULoad() float64
	ProcessMemoryUsage() float64
}

// Host is everything the bridge needs from the game server.
type Host interface {
	Scheduler
	Capabilities
}
