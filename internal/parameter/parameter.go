// Package parameter holds live, per-robot runtime parameters.
//
// Command options may reference a parameter by path; the execution unit
// resolves the reference when the command starts and watches it for changes.
package parameter

import (
	"fmt"
	"sync"

	"github.com/fentz26/armctl/internal/bus"
	"github.com/fentz26/armctl/internal/models"
)

// ErrUnknown is returned when a parameter has never been set.
var ErrUnknown = fmt.Errorf("unknown parameter")

// Ref is an option value that points at a live parameter.
type Ref struct {
	Path string `json:"param" yaml:"param"`
}

// Change describes one parameter update.
type Change struct {
	Robot string
	Path  string
	Value interface{}
}

// Store is a concurrent parameter table with change notification.
type Store struct {
	mu       sync.RWMutex
	values   map[string]map[string]interface{}
	watchers map[string]map[int]chan Change
	nextID   int

	bus *bus.Bus
}

// NewStore creates a store. The bus may be nil.
func NewStore(b *bus.Bus) *Store {
	return &Store{
		values:   make(map[string]map[string]interface{}),
		watchers: make(map[string]map[int]chan Change),
		bus:      b,
	}
}

// Get returns the current value of a parameter.
func (s *Store) Get(robot, path string) (interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[robot][path]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknown, robot, path)
	}
	return v, nil
}

// List returns a copy of all parameters of a robot.
func (s *Store) List(robot string) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]interface{}, len(s.values[robot]))
	for k, v := range s.values[robot] {
		out[k] = v
	}
	return out
}

// Set stores a value and notifies watchers. Watchers that are not keeping
// up miss intermediate values but always see a later one.
func (s *Store) Set(robot, path string, value interface{}) {
	s.mu.Lock()
	if s.values[robot] == nil {
		s.values[robot] = make(map[string]interface{})
	}
	s.values[robot][path] = value

	change := Change{Robot: robot, Path: path, Value: value}
	for _, ch := range s.watchers[key(robot, path)] {
		select {
		case ch <- change:
		default:
			// Replace the stale pending change with the newest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- change:
			default:
			}
		}
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish([]string{"param", robot, path}, models.Event{
			Kind:  models.EventParameterChanged,
			Robot: robot,
			Data:  map[string]interface{}{"path": path, "value": value},
		})
	}
}

// Watch subscribes to changes of one parameter. The returned cancel func
// must be called to release the watcher.
func (s *Store) Watch(robot, path string) (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(robot, path)
	if s.watchers[k] == nil {
		s.watchers[k] = make(map[int]chan Change)
	}
	s.nextID++
	id := s.nextID
	ch := make(chan Change, 1)
	s.watchers[k][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers[k], id)
			if len(s.watchers[k]) == 0 {
				delete(s.watchers, k)
			}
			s.mu.Unlock()
		})
	}
}

// Resolve replaces every Ref in opts with its current value and returns the
// referenced paths.
func (s *Store) Resolve(robot string, opts map[string]interface{}) (map[string]interface{}, []string, error) {
	resolved := make(map[string]interface{}, len(opts))
	var refs []string
	for name, v := range opts {
		ref, ok := AsRef(v)
		if !ok {
			resolved[name] = v
			continue
		}
		value, err := s.Get(robot, ref.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("option %s: %w", name, err)
		}
		resolved[name] = value
		refs = append(refs, ref.Path)
	}
	return resolved, refs, nil
}

// AsRef reports whether an option value is a parameter reference.
func AsRef(v interface{}) (Ref, bool) {
	switch r := v.(type) {
	case Ref:
		return r, true
	case *Ref:
		if r != nil {
			return *r, true
		}
	case map[string]interface{}:
		// Shape produced by YAML/JSON decoding: {param: "motion/max_speed"}.
		if p, ok := r["param"].(string); ok && len(r) == 1 {
			return Ref{Path: p}, true
		}
	}
	return Ref{}, false
}

func key(robot, path string) string {
	return robot + "\x00" + path
}
