package link

import (
	"errors"
	"io"
	"sync"
)

// ErrFakeClosed is returned by FakePort operations after Close.
var ErrFakeClosed = errors.New("fake port closed")

// FakePort is an in-memory serial port. Lines fed with Feed are read by the
// link; everything the link writes is recorded.
type FakePort struct {
	name string
	r    *io.PipeReader
	w    *io.PipeWriter

	mu       sync.Mutex
	written  []string
	closed   bool
	writeErr error
}

// NewFakePort creates an open FakePort.
func NewFakePort(name string) *FakePort {
	r, w := io.Pipe()
	return &FakePort{name: name, r: r, w: w}
}

// Name returns the device name the port was opened as.
func (p *FakePort) Name() string { return p.name }

// Read implements io.Reader.
func (p *FakePort) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// Write records b, or fails if SetWriteError was called.
func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrFakeClosed
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.written = append(p.written, string(b))
	return len(b), nil
}

// Close unblocks pending reads and fails later writes.
func (p *FakePort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.w.CloseWithError(ErrFakeClosed)
	p.r.CloseWithError(ErrFakeClosed)
	return nil
}

// Feed makes data available to the reader. It blocks until the data has
// been consumed.
func (p *FakePort) Feed(data string) error {
	_, err := p.w.Write([]byte(data))
	return err
}

// Disconnect simulates the device going away: the pending read fails with err.
func (p *FakePort) Disconnect(err error) {
	p.w.CloseWithError(err)
}

// SetWriteError makes subsequent writes fail with err.
func (p *FakePort) SetWriteError(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// Written returns every write so far.
func (p *FakePort) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

// Closed reports whether Close was called.
func (p *FakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// FakeDriver is a test double that enumerates scripted ports and hands out
// FakePorts.
type FakeDriver struct {
	mu      sync.Mutex
	ports   []PortInfo
	listErr error
	openErr error
	hold    chan struct{}
	opens   int
	opened  []*FakePort
}

// NewFakeDriver creates a driver that lists the given ports.
func NewFakeDriver(ports ...PortInfo) *FakeDriver {
	return &FakeDriver{ports: ports}
}

// Ports returns the scripted port list.
func (d *FakeDriver) Ports() ([]PortInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	return append([]PortInfo(nil), d.ports...), nil
}

// Open counts the attempt, waits while held, then returns a new FakePort
// or the scripted error.
func (d *FakeDriver) Open(name string, baud int) (Port, error) {
	d.mu.Lock()
	d.opens++
	hold := d.hold
	d.mu.Unlock()

	if hold != nil {
		<-hold
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	p := NewFakePort(name)
	d.opened = append(d.opened, p)
	return p, nil
}

// SetPorts replaces the enumerated port list.
func (d *FakeDriver) SetPorts(ports ...PortInfo) {
	d.mu.Lock()
	d.ports = ports
	d.mu.Unlock()
}

// SetListError makes Ports fail with err.
func (d *FakeDriver) SetListError(err error) {
	d.mu.Lock()
	d.listErr = err
	d.mu.Unlock()
}

// SetOpenError makes Open fail with err.
func (d *FakeDriver) SetOpenError(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

// Hold makes subsequent Open calls block until Release.
func (d *FakeDriver) Hold() {
	d.mu.Lock()
	if d.hold == nil {
		d.hold = make(chan struct{})
	}
	d.mu.Unlock()
}

// Release unblocks held Open calls. Safe to call without Hold.
func (d *FakeDriver) Release() {
	d.mu.Lock()
	if d.hold != nil {
		close(d.hold)
		d.hold = nil
	}
	d.mu.Unlock()
}

// Opens returns the number of Open attempts.
func (d *FakeDriver) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// LastPort returns the most recently opened port, or nil.
func (d *FakeDriver) LastPort() *FakePort {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.opened) == 0 {
		return nil
	}
	return d.opened[len(d.opened)-1]
}
