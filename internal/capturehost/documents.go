package capturehost

import (
	"context"
	"errors"
	"sync"

	"github.com/tabrelay/agent/internal/messaging"
)

var (
	ErrNoDocument     = errors.New("no capture host document to close")
	ErrDocumentExists = errors.New("only a single capture host document may be created")
)

// Documents manages the single capture host document. Creating a document
// builds a fresh Host and attaches it to the bus; closing detaches it.
type Documents struct {
	bus     *messaging.Bus
	newHost func() *Host

	mu     sync.Mutex
	host   *Host
	remove func()
}

func NewDocuments(bus *messaging.Bus, newHost func() *Host) *Documents {
	return &Documents{bus: bus, newHost: newHost}
}

func (d *Documents) HasDocument(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.host != nil, nil
}

func (d *Documents) CreateDocument(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.host != nil {
		return ErrDocumentExists
	}
	d.host = d.newHost()
	d.remove = d.bus.AddListener("capturehost", d.host.Handle)
	log.Info("capture host document created")
	return nil
}

func (d *Documents) CloseDocument(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	host, remove := d.host, d.remove
	d.host, d.remove = nil, nil
	d.mu.Unlock()

	if host == nil {
		return ErrNoDocument
	}
	remove()
	host.Close()
	log.Info("capture host document closed")
	return nil
}

// Host returns the current host, or nil without a document.
func (d *Documents) Host() *Host {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.host
}
