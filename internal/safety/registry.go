package safety

import (
	"sort"
	"sync"
	"time"

	"github.com/fentz26/armctl/internal/hardware"
)

// Registration is one disarm-capable component of a robot.
type Registration struct {
	Robot        string
	ID           string
	Path         string
	Options      map[string]interface{}
	Disarmer     hardware.Disarmer
	Process      hardware.Process
	RegisteredAt time.Time
}

// registry is the multi-writer handler table. Each handler writes its own
// row directly; the authority only reads it when disarming.
type registry struct {
	mu   sync.RWMutex
	rows map[string]map[string]*Registration
}

func newRegistry() *registry {
	return &registry{rows: make(map[string]map[string]*Registration)}
}

func (r *registry) put(reg *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rows[reg.Robot] == nil {
		r.rows[reg.Robot] = make(map[string]*Registration)
	}
	r.rows[reg.Robot][reg.ID] = reg
}

// remove deletes a row only if it is still the given registration, so a
// stale watcher cannot drop a re-registered handler.
func (r *registry) remove(reg *Registration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.rows[reg.Robot][reg.ID]
	if !ok || cur != reg {
		return false
	}
	delete(r.rows[reg.Robot], reg.ID)
	if len(r.rows[reg.Robot]) == 0 {
		delete(r.rows, reg.Robot)
	}
	return true
}

func (r *registry) dropRobot(robot string) {
	r.mu.Lock()
	delete(r.rows, robot)
	r.mu.Unlock()
}

// list returns a robot's handlers in registration order.
func (r *registry) list(robot string) []*Registration {
	r.mu.RLock()
	out := make([]*Registration, 0, len(r.rows[robot]))
	for _, reg := range r.rows[robot] {
		out = append(out, reg)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].Path < out[j].Path
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}
