//go:build !linux

package serial

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

type port struct {
	*os.File
	saved *term.State
}

func (p *port) Close() error {
	if p.saved != nil {
		_ = term.Restore(int(p.Fd()), p.saved)
	}
	return p.File.Close()
}

// openPort opens device in raw mode. The line speed is left as the OS has it
// configured; set it with stty before starting the node.
func openPort(device string, baud int) (io.ReadWriteCloser, error) {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	p := &port{File: f}
	fd := int(f.Fd())
	if term.IsTerminal(fd) {
		if p.saved, err = term.MakeRaw(fd); err != nil {
			f.Close()
			return nil, fmt.Errorf("%s: raw mode: %w", device, err)
		}
	}
	return p, nil
}
