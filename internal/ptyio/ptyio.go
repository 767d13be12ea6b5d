// Package ptyio allocates PTY master/slave pairs. Allocation itself is
// delegated to github.com/creack/pty, which folds
// open(/dev/ptmx)+grantpt+unlockpt+ptsname into one call; this package
// layers the worker-specific non-blocking setup on top of it.
package ptyio

import (
	"fmt"
	"os"

	"github.com/creack/pty"

	"ptyrelay/internal/netio"
)

// Pair is an open PTY master/slave pair. Master is set non-blocking for
// use in the worker's cooperative event loop; Slave is left in its
// default (blocking) mode since it is handed to the child program.
type Pair struct {
	Master *os.File
	Slave  *os.File
}

// Open allocates a new PTY pair.
func Open() (*Pair, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("ptyio: open: %w", err)
	}
	if err := netio.SetNonblock(int(master.Fd()), true); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("ptyio: set master non-blocking: %w", err)
	}
	return &Pair{Master: master, Slave: slave}, nil
}

// Close closes both ends. Safe to call after either end has already
// been individually closed (e.g. the slave, once handed to the child).
func (p *Pair) Close() {
	if p.Master != nil {
		p.Master.Close()
	}
	if p.Slave != nil {
		p.Slave.Close()
	}
}
