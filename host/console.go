package host

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"runtime/metrics"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrEmptyCommand is returned for a blank console command.
var ErrEmptyCommand = errors.New("empty command")

const cpuMetric = "/cpu/classes/total:cpu-seconds"

// Console implements Capabilities for a bridge running outside a game
// server. Broadcasts and commands are written to an output stream.
type Console struct {
	mu      sync.Mutex
	out     io.Writer
	players map[string]struct{}

	cpuMu      sync.Mutex
	lastSample time.Time
	lastCPU    float64
}

// NewConsole writes to out.
func NewConsole(out io.Writer) *Console {
	return &Console{
		out:        out,
		players:    make(map[string]struct{}),
		lastSample: time.Now(),
		lastCPU:    cpuSeconds(),
	}
}

// Broadcast writes text as a chat line.
func (c *Console) Broadcast(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[broadcast] %s\n", text)
}

// RunConsoleCommand understands "say <text>", "list", "kick <player>" and
// echoes anything else.
func (c *Console) RunConsoleCommand(command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return ErrEmptyCommand
	}

	name, arg, _ := strings.Cut(command, " ")
	switch strings.ToLower(name) {
	case "say":
		c.Broadcast(arg)
	case "list":
		players := c.ListOnlinePlayers()
		c.mu.Lock()
		fmt.Fprintf(c.out, "[console] %d players online: %s\n", len(players), strings.Join(players, ", "))
		c.mu.Unlock()
	case "kick":
		if !c.PlayerLeft(arg) {
			return fmt.Errorf("no such player: %q", arg)
		}
		c.mu.Lock()
		fmt.Fprintf(c.out, "[console] kicked %s\n", arg)
		c.mu.Unlock()
	default:
		c.mu.Lock()
		fmt.Fprintf(c.out, "[console] %s\n", command)
		c.mu.Unlock()
	}
	return nil
}

// PlayerJoined marks name online.
func (c *Console) PlayerJoined(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.players[name] = struct{}{}
}

// PlayerLeft marks name offline and reports whether it was online.
func (c *Console) PlayerLeft(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.players[name]
	delete(c.players, name)
	return ok
}

// ListOnlinePlayers returns the online players sorted by name.
func (c *Console) ListOnlinePlayers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.players))
	for name := range c.players {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProcessCPULoad returns the CPU used by this process since the previous
// call, as a share of all available cores.
func (c *Console) ProcessCPULoad() float64 {
	c.cpuMu.Lock()
	defer c.cpuMu.Unlock()

	now, cpu := time.Now(), cpuSeconds()
	wall := now.Sub(c.lastSample).Seconds() * float64(runtime.GOMAXPROCS(0))
	used := cpu - c.lastCPU
	c.lastSample, c.lastCPU = now, cpu

	if wall <= 0 {
		return 0
	}
	return clampPercent(used / wall * 100)
}

// ProcessMemoryUsage returns the share of heap memory obtained from the OS
// that is in use.
func (c *Console) ProcessMemoryUsage() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.HeapSys == 0 {
		return 0
	}
	return clampPercent(float64(m.HeapInuse) / float64(m.HeapSys) * 100)
}

func cpuSeconds() float64 {
	sample := []metrics.Sample{{Name: cpuMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindFloat64 {
		return 0
	}
	return sample[0].Value.Float64()
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
