// Package action instruments function calls with action-trail records.
//
// Do wraps a call so that an action row is created at entry and finalized at
// exit with the result or the error, correlated to the ambient request/job
// ids. The wrapped call is sacrosanct: its result and error pass through
// untouched, and no failure of the recording machinery, including a sink
// that panics on every call, ever reaches the caller.
//
// There is no reflection here. Callers name the parameters they want logged
// in Spec.Params; anything not named is not recorded.
package action

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/tracefold/tracefold/correlation"
	"github.com/tracefold/tracefold/eventstore"
	"github.com/tracefold/tracefold/logging"
	"github.com/tracefold/tracefold/types"
)

// Common action type labels.
const (
	TypeLLMCall     = "llm_call"
	TypeDBQuery     = "db_query"
	TypeServiceCall = "service_call"
	TypeJobRun      = "job_run"
)

// Sink is the subset of the event store the decorator records through.
type Sink interface {
	CreateAction(eventstore.ActionStart) (int64, bool)
	FinalizeAction(int64, eventstore.ActionOutcome) bool
}

// UsageReporter is implemented by results that carry LLM token accounting.
// A successful result implementing it gets its usage copied onto the action
// row; everything else is recorded as a plain result.
type UsageReporter interface {
	TokenUsage() (types.TokenUsage, bool)
}

// Spec configures one instrumented call.
type Spec struct {
	// Type is the coarse category, e.g. TypeLLMCall. Required.
	Type string
	// Name identifies the action; defaults to the calling function's name.
	Name string

	// RequestID and JobID override the ambient correlation ids. An
	// explicit value takes precedence over whatever the context carries.
	RequestID string
	JobID     string

	// Params is the explicit snapshot of loggable input parameters.
	Params map[string]any

	// SkipParams suppresses parameter logging even when Params is set;
	// SkipResult suppresses the result snapshot on success.
	SkipParams bool
	SkipResult bool
}

// Do invokes fn with an action record around it.
//
// Correlation resolution: explicit Spec ids win, then the ambient context.
// When neither a request nor a job resolves, fn still runs; no row is ever
// written (this is the designed no-op, not an error).
func Do[T any](ctx context.Context, sink Sink, spec Spec, fn func(context.Context) (T, error)) (result T, err error) {
	key, recorded := begin(ctx, sink, &spec, 2)

	defer func() {
		if rec := recover(); rec != nil {
			if recorded {
				safeFinalize(sink, key, eventstore.ActionOutcome{
					ErrorMessage:   fmt.Sprint(rec),
					ErrorTraceback: string(debug.Stack()),
				})
			}
			panic(rec)
		}
	}()

	result, err = fn(ctx)

	if err != nil {
		if recorded {
			safeFinalize(sink, key, eventstore.ActionOutcome{
				ErrorMessage:   err.Error(),
				ErrorTraceback: string(debug.Stack()),
			})
		}
		return result, err
	}

	if recorded && !spec.SkipResult {
		out := eventstore.ActionOutcome{Result: result, HasResult: true}
		if reporter, ok := any(result).(UsageReporter); ok {
			if usage, has := reporter.TokenUsage(); has {
				out.Usage = &usage
			}
		}
		safeFinalize(sink, key, out)
	}
	return result, nil
}

// begin resolves correlation, captures the call site, and creates the action
// row. It never panics; any failure is logged and reported as not recorded.
func begin(ctx context.Context, sink Sink, spec *Spec, callerSkip int) (key int64, recorded bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error().Interface("panic", rec).Msg("action begin failed")
			key, recorded = 0, false
		}
	}()

	if sink == nil {
		return 0, false
	}

	requestID := spec.RequestID
	if requestID == "" {
		requestID, _ = correlation.RequestID(ctx)
	}
	jobID := spec.JobID
	if jobID == "" {
		jobID, _ = correlation.JobID(ctx)
	}
	if requestID == "" && jobID == "" {
		logging.Debug().Str("action", spec.Name).Msg("no request or job id; skipping action record")
		return 0, false
	}

	module, function, line := callerSite(callerSkip + 1)
	if spec.Name == "" {
		spec.Name = function
	}

	var params map[string]any
	if !spec.SkipParams {
		params = spec.Params
	}
	var paramsValue any
	if params != nil {
		paramsValue = params
	}

	return sink.CreateAction(eventstore.ActionStart{
		RequestID:    requestID,
		JobID:        jobID,
		ActionType:   spec.Type,
		ActionName:   spec.Name,
		ModuleName:   module,
		FunctionName: function,
		LineNumber:   line,
		Params:       paramsValue,
	})
}

// safeFinalize shields the caller from any sink failure.
func safeFinalize(sink Sink, key int64, out eventstore.ActionOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error().Interface("panic", rec).Int64("key", key).Msg("action finalize failed")
		}
	}()
	sink.FinalizeAction(key, out)
}

// callerSite identifies the instrumented call site as (package, function,
// line) for the debugging columns.
func callerSite(skip int) (module, function string, line int) {
	pc, _, line, ok := runtime.Caller(skip)
	if !ok {
		return "", "", 0
	}
	full := runtime.FuncForPC(pc).Name()
	// full looks like "github.com/acme/svc/pkg.(*Type).Method".
	slash := strings.LastIndex(full, "/")
	dot := strings.Index(full[slash+1:], ".")
	if dot < 0 {
		return full, full, line
	}
	dot += slash + 1
	return full[:dot], full[dot+1:], line
}
