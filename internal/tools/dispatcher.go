package tools

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hyperifyio/goscrape/internal/auth"
	"github.com/hyperifyio/goscrape/internal/logging"
	"github.com/hyperifyio/goscrape/internal/scraperr"
)

// Envelope is the uniform wire response. Success responses flatten the tool
// output next to the success flag; failures carry the error taxonomy fields.
type Envelope map[string]any

// Dispatcher routes invocations through lookup, validation, auth and the
// handler, and converts every outcome into an Envelope. It is the single
// place where typed errors become wire errors.
type Dispatcher struct {
	Registry *Registry
	Verifier auth.TokenVerifier
	Log      *logging.Logger

	now func() time.Time
}

// NewDispatcher builds a dispatcher; verifier may be nil when the deployment
// runs without tokens.
func NewDispatcher(reg *Registry, verifier auth.TokenVerifier, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Nop()
	}
	return &Dispatcher{Registry: reg, Verifier: verifier, Log: log, now: time.Now}
}

// Dispatch runs one tool invocation end to end.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, rawArgs json.RawMessage) Envelope {
	scope := logging.Scope{RequestID: uuid.NewString()}
	started := d.now()

	tool, ok := d.Registry.Get(name)
	if !ok {
		return d.finish(name, scope, started, nil, scraperr.Newf(scraperr.KindValidation,
			scraperr.CodeUnknownTool, "no tool named %q", name).WithDetail("tool", name))
	}

	args := map[string]any{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return d.finish(name, scope, started, nil, scraperr.Wrap(scraperr.KindValidation,
				scraperr.CodeInvalidArgument, "arguments are not a JSON object", err))
		}
	}
	if err := validateArgs(args, tool.Schema); err != nil {
		return d.finish(name, scope, started, nil, err)
	}

	caller, err := d.resolveCaller(args)
	if err != nil {
		return d.finish(name, scope, started, nil, err)
	}
	scope.Group = caller.Primary()

	out, err := tool.Handler(ctx, caller, args)
	return d.finish(name, scope, started, out, err)
}

// resolveCaller verifies an optional auth_token argument. No token means an
// anonymous caller restricted to public sessions.
func (d *Dispatcher) resolveCaller(args map[string]any) (Caller, error) {
	raw, ok := args["auth_token"]
	if !ok {
		return Caller{}, nil
	}
	token, _ := raw.(string)
	if token == "" {
		return Caller{}, nil
	}
	if d.Verifier == nil {
		return Caller{}, scraperr.New(scraperr.KindAuth, scraperr.CodeAuthError,
			"this server does not accept tokens")
	}
	info, err := d.Verifier.Verify(token)
	if err != nil {
		return Caller{}, err
	}
	return Caller{Subject: info.Subject, Groups: info.Groups}, nil
}

func (d *Dispatcher) finish(name string, scope logging.Scope, started time.Time, out any, err error) Envelope {
	elapsed := d.now().Sub(started)
	if err != nil {
		se := scraperr.As(err)
		d.Log.Warn("tool_failed", scope, name, "dispatch", "tools", se.Code,
			scraperr.Recovery(se.Code), map[string]string{
				"elapsed_ms": strconv.FormatInt(elapsed.Milliseconds(), 10),
			})
		return Fail(err)
	}
	d.Log.Event("tool_completed", scope, map[string]string{
		"tool":       name,
		"elapsed_ms": strconv.FormatInt(elapsed.Milliseconds(), 10),
	})
	return Succeed(out)
}

// Succeed flattens a handler result into a success envelope.
func Succeed(out any) Envelope {
	env := Envelope{"success": true}
	if out == nil {
		return env
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return Fail(scraperr.Wrap(scraperr.KindInternal, scraperr.CodeInternalError,
			"encode tool output", err))
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		// Non-object output is carried under a result key.
		var v any
		_ = json.Unmarshal(raw, &v)
		env["result"] = v
		return env
	}
	for k, v := range fields {
		if k != "success" {
			env[k] = v
		}
	}
	return env
}

// Fail converts any error into a failure envelope with a recovery strategy.
func Fail(err error) Envelope {
	se := scraperr.As(err)
	env := Envelope{
		"success":           false,
		"error_code":        se.Code,
		"error":             se.Message,
		"recovery_strategy": scraperr.Recovery(se.Code),
	}
	if len(se.Details) > 0 {
		env["details"] = se.Details
	}
	return env
}
