package relay

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Port is one open serial connection to the relay bus. Transact writes a
// single request frame and reads the expected response length.
type Port interface {
	Transact(ctx context.Context, frame []byte, respLen int) ([]byte, error)
	Close() error
}

// PortOpener opens (or reopens) the bus connection.
type PortOpener func() (Port, error)

// filePort drives the bus through a character device (e.g. a USB RS-485
// dongle already configured via stty). Reads run on a goroutine so the
// caller's context bounds the whole exchange.
type filePort struct {
	f *os.File
}

// OpenFilePort opens the serial device file at path.
func OpenFilePort(path string) (Port, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open serial device: %w", err)
	}
	return &filePort{f: f}, nil
}

func (p *filePort) Transact(ctx context.Context, frame []byte, respLen int) ([]byte, error) {
	if _, err := p.f.Write(frame); err != nil {
		return nil, fmt.Errorf("serial write: %w", err)
	}

	type result struct {
		buf []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, respLen)
		_, err := io.ReadFull(p.f, buf)
		ch <- result{buf, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("serial read: %w", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("serial read: %w", r.err)
		}
		return r.buf, nil
	}
}

func (p *filePort) Close() error {
	return p.f.Close()
}
