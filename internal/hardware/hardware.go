// Package hardware defines the capabilities the control plane expects from
// hardware-facing components.
package hardware

import "context"

// Disarmer is implemented by any component able to make its piece of
// hardware safe. Disarm may return an error, panic, or never return; the
// safety authority treats all three as failures.
type Disarmer interface {
	Disarm(ctx context.Context, opts map[string]interface{}) error
}

// Process is the lifetime of a running component. Done is closed when the
// component exits for any reason.
type Process interface {
	Done() <-chan struct{}
}

// Registrar accepts disarm handler registrations. Handlers call it from their
// own startup path.
type Registrar interface {
	RegisterHandler(robot, id, path string, opts map[string]interface{}, d Disarmer, p Process) error
}

// ErrorReporter receives hardware faults detected by a component.
type ErrorReporter interface {
	ReportError(robot, path string, err error)
}
