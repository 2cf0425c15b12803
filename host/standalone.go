package host

import (
	"io"
	"log/slog"
)

// Standalone is a Host made of a Loop and a Console.
type Standalone struct {
	*Loop
	*Console
}

// NewStandalone creates a standalone host writing to out.
func NewStandalone(out io.Writer, log *slog.Logger) *Standalone {
	return &Standalone{
		Loop:    NewLoop(log),
		Console: NewConsole(out),
	}
}

var _ Host = (*Standalone)(nil)
