package safety

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type callOutcome struct {
	err   error
	panic interface{}
}

// runDisarm calls every handler in turn. Each call is bounded by the handler
// timeout, so a frozen handler is recorded as a timeout and the rest still run.
func (a *Authority) runDisarm(robot, reason string, regs []*Registration) []HandlerFailure {
	ctx, span := a.tracer.Start(context.Background(), "safety.disarm")
	defer span.End()
	span.SetAttributes(
		attribute.String("robot", robot),
		attribute.String("reason", reason),
		attribute.Int("handlers", len(regs)),
	)

	var failures []HandlerFailure
	for _, reg := range regs {
		if f := a.callHandler(ctx, reg); f != nil {
			failures = append(failures, *f)
		}
	}

	span.SetAttributes(attribute.Int("failures", len(failures)))
	if len(failures) > 0 {
		span.SetStatus(codes.Error, "disarm handler failures")
	}
	return failures
}

func (a *Authority) callHandler(parent context.Context, reg *Registration) *HandlerFailure {
	ctx, cancel := context.WithTimeout(parent, a.cfg.DisarmTimeout)
	defer cancel()

	result := make(chan callOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				result <- callOutcome{panic: p}
			}
		}()
		result <- callOutcome{err: reg.Disarmer.Disarm(ctx, reg.Options)}
	}()

	fail := func(kind FailureKind, reason string) *HandlerFailure {
		return &HandlerFailure{HandlerID: reg.ID, Path: reg.Path, Kind: kind, Reason: reason}
	}

	select {
	case out := <-result:
		switch {
		case out.panic != nil:
			if err, ok := out.panic.(error); ok {
				return fail(FailureRaised, err.Error())
			}
			return fail(FailureThrown, fmt.Sprint(out.panic))
		case errors.Is(out.err, context.DeadlineExceeded):
			return fail(FailureTimeout, fmt.Sprintf("no response within %s", a.cfg.DisarmTimeout))
		case out.err != nil:
			return fail(FailureError, out.err.Error())
		}
		return nil
	case <-ctx.Done():
		return fail(FailureTimeout, fmt.Sprintf("no response within %s", a.cfg.DisarmTimeout))
	}
}
