package replay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// TerminalContinuer blocks on an Enter keypress from stdin when
// pause_after_each_step is set, but only when stdin is actually an
// interactive terminal — a non-interactive host (CI, a service account
// run) would otherwise hang forever waiting for input that never arrives.
type TerminalContinuer struct {
	in     io.Reader
	out    io.Writer
	reader *bufio.Reader
}

// NewTerminalContinuer builds a Continuer over stdin/stdout.
func NewTerminalContinuer() *TerminalContinuer {
	return &TerminalContinuer{in: os.Stdin, out: os.Stdout}
}

func (c *TerminalContinuer) Continue(ctx context.Context) error {
	if !isTerminal(os.Stdin) {
		return nil
	}
	fmt.Fprint(c.out, "paused — press enter to continue replay: ")
	if c.reader == nil {
		c.reader = bufio.NewReader(c.in)
	}
	done := make(chan error, 1)
	go func() {
		_, err := c.reader.ReadString('\n')
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil && err != io.EOF {
			return err
		}
		return nil
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
