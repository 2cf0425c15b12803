// Package host defines what the bridge needs from the game server it runs in,
// and ships a standalone implementation for running the bridge on its own.
//
// A Host offers two things. Scheduling: a single main context on which all
// game-state work runs, background workers, and delayed tasks on the main
// context. Capabilities: broadcasting chat, running console commands and
// reading the online players and process load.
//
// Loop is a main context backed by one goroutine draining a task queue.
// Console writes broadcasts and commands to an io.Writer and tracks online
// players from join/leave notifications. Standalone combines the two.
package host
