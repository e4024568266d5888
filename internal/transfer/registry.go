package transfer

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/slok/printlink/internal/model"
)

type destination struct {
	deviceID string
	target   model.Target
}

// Registry tracks the open sessions. A device destination accepts a single
// open session and upload IDs are unique among open sessions.
type Registry struct {
	mu    sync.Mutex
	open  map[destination]string
	ids   map[string]destination
	newID func() string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		open:  make(map[destination]string),
		ids:   make(map[string]destination),
		newID: uuid.NewString,
	}
}

// Open returns the number of open sessions.
func (r *Registry) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

func (r *Registry) acquire(deviceID string, target model.Target) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dst := destination{deviceID: deviceID, target: target}
	if id, ok := r.open[dst]; ok {
		return "", fmt.Errorf("device %s %s storage has open upload %s: %w", deviceID, target, id, model.ErrSessionBusy)
	}

	id := r.newID()
	for _, ok := r.ids[id]; ok; _, ok = r.ids[id] {
		id = r.newID()
	}

	r.open[dst] = id
	r.ids[id] = dst

	return id, nil
}

func (r *Registry) release(deviceID string, target model.Target, uploadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dst := destination{deviceID: deviceID, target: target}
	if r.open[dst] == uploadID {
		delete(r.open, dst)
	}
	delete(r.ids, uploadID)
}
