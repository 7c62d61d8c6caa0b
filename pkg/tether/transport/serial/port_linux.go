//go:build linux

package serial

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

var bauds = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	2000000: unix.B2000000,
}

type port struct {
	*os.File
	fd    int
	saved *term.State
}

func (p *port) Close() error {
	if p.saved != nil {
		_ = term.Restore(p.fd, p.saved)
	}
	return p.File.Close()
}

// openPort opens a tty in raw 8N1 mode at the given baud. Non-tty devices
// such as FIFOs are used as they are.
func openPort(device string, baud int) (io.ReadWriteCloser, error) {
	speed, ok := bauds[baud]
	if !ok {
		return nil, fmt.Errorf("unsupported baud rate %d", baud)
	}

	// O_NONBLOCK puts the descriptor in the runtime poller so that read
	// deadlines work.
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: device, Err: err}
	}
	p := &port{File: os.NewFile(uintptr(fd), device), fd: fd}

	if !term.IsTerminal(fd) {
		return p, nil
	}
	if p.saved, err = term.MakeRaw(fd); err != nil {
		p.File.Close()
		return nil, fmt.Errorf("%s: raw mode: %w", device, err)
	}

	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("%s: get termios: %w", device, err)
	}
	tio.Cflag &^= unix.CBAUD | unix.CSTOPB | unix.CRTSCTS
	tio.Cflag |= speed | unix.CLOCAL | unix.CREAD
	tio.Ispeed = speed
	tio.Ospeed = speed
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		p.Close()
		return nil, fmt.Errorf("%s: set termios: %w", device, err)
	}
	return p, nil
}
