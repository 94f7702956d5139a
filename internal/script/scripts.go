package script

import (
	"context"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/meridianhq/meridian/internal/types"
)

// CompileChannelScript compiles a deploy/undeploy/preprocessor/postprocessor
// script under key. The script is wrapped so top-level return works and the
// return value becomes the program's result.
func (r *Runtime) CompileChannelScript(key, name, source string) error {
	return r.CompileScript(key, name, wrapScript("doScript", source))
}

// CompileFilterTransformer generates and compiles the combined filter +
// transformer program for one connector.
func (r *Runtime) CompileFilterTransformer(key string, f *types.Filter, tr *types.Transformer) error {
	src, err := generateFilterTransformer(f, tr)
	if err != nil {
		return &CompileError{Key: key, Err: err}
	}
	return r.CompileScript(key, key, src)
}

// CompileResponseTransformer generates and compiles the response
// transformer program for one destination.
func (r *Runtime) CompileResponseTransformer(key string, tr *types.Transformer) error {
	src, err := generateResponseTransformer(tr)
	if err != nil {
		return &CompileError{Key: key, Err: err}
	}
	return r.CompileScript(key, key, src)
}

// RunChannelScript runs a deploy/undeploy (or global) script with the
// channel-level scope.
func (r *Runtime) RunChannelScript(ctx context.Context, key string, env Env) error {
	prog, err := r.program(key)
	if err != nil {
		return err
	}
	vm := r.newVM(ctx, env)
	_, err = r.runProgram(ctx, vm, prog)
	return err
}

// RunPreprocessor runs a preprocessor against the source connector
// message. The processed payload is the script's return value when it is a
// string, otherwise the final value of the message variable. ds may be nil
// when destination control is not offered (global preprocessor reruns).
func (r *Runtime) RunPreprocessor(ctx context.Context, key string, env Env, cm *types.ConnectorMessage, raw string, ds *DestinationSet) (string, error) {
	prog, err := r.program(key)
	if err != nil {
		return "", err
	}
	vm := r.newVM(ctx, env)
	bindConnectorScope(vm, cm)
	vm.Set("message", raw)
	if ds != nil {
		vm.Set("destinationSet", ds)
	}

	v, err := r.runProgram(ctx, vm, prog)
	if err != nil {
		return "", err
	}

	if v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		if s, ok := v.Export().(string); ok {
			return s, nil
		}
	}
	if out, ok := serializeVar(vm, "message"); ok {
		return out, nil
	}
	return raw, nil
}

// RunFilterTransformer runs a connector's combined filter + transformer.
// It returns the filter verdict and, when accepted, the transformed
// payload (the template takes over when the transformer populated it).
func (r *Runtime) RunFilterTransformer(ctx context.Context, key string, env Env, cm *types.ConnectorMessage, raw string, tr *types.Transformer) (bool, string, error) {
	prog, err := r.program(key)
	if err != nil {
		return false, "", err
	}
	vm := r.newVM(ctx, env)
	bindConnectorScope(vm, cm)

	template := ""
	if tr != nil {
		template = tr.OutboundTemplate
	}
	vm.Set("msg", raw)
	vm.Set("template", template)
	vm.Set("phase", "")
	if template != "" {
		vm.Set("tmp", template)
	}

	v, err := r.runProgram(ctx, vm, prog)
	if err != nil {
		return false, "", err
	}
	if v == nil || !v.ToBoolean() {
		return false, "", nil
	}

	transformed := raw
	if out, ok := serializeVar(vm, "msg"); ok {
		transformed = out
	}
	if out, ok := serializeVar(vm, "tmp"); ok {
		transformed = out
	}
	return true, transformed, nil
}

// RunResponseTransformer runs a destination's response transformer against
// resp. The transformer can rewrite the payload through msg/tmp and mutate
// responseStatus, responseStatusMessage and responseErrorMessage; the
// status may only move within SENT/QUEUED/ERROR. Returns the transformed
// payload.
func (r *Runtime) RunResponseTransformer(ctx context.Context, key string, env Env, cm *types.ConnectorMessage, tr *types.Transformer, resp *types.Response) (string, error) {
	prog, err := r.program(key)
	if err != nil {
		return "", err
	}
	vm := r.newVM(ctx, env)
	bindConnectorScope(vm, cm)

	template := ""
	if tr != nil {
		template = tr.OutboundTemplate
	}
	vm.Set("msg", resp.Message)
	vm.Set("template", template)
	vm.Set("phase", "")
	if template != "" {
		vm.Set("tmp", template)
	}
	vm.Set("response", resp)
	vm.Set("responseStatus", string(resp.Status))
	vm.Set("responseStatusMessage", resp.StatusMessage)
	vm.Set("responseErrorMessage", resp.Error)

	if _, err := r.runProgram(ctx, vm, prog); err != nil {
		return "", err
	}

	transformed := resp.Message
	if out, ok := serializeVar(vm, "msg"); ok {
		transformed = out
	}
	if out, ok := serializeVar(vm, "tmp"); ok {
		transformed = out
	}
	resp.Message = transformed

	if raw, ok := serializeVar(vm, "responseStatus"); ok {
		status := types.Status(strings.ToUpper(strings.TrimSpace(raw)))
		switch status {
		case types.StatusSent, types.StatusQueued, types.StatusError:
			resp.Status = status
		default:
			return "", fmt.Errorf("response transformer set invalid status %q", raw)
		}
	}
	if msg, ok := serializeVar(vm, "responseStatusMessage"); ok {
		resp.StatusMessage = msg
	}
	if errMsg, ok := serializeVar(vm, "responseErrorMessage"); ok {
		resp.Error = errMsg
	}
	return transformed, nil
}

// RunPostprocessor runs a postprocessor against the finished message. The
// scope sees the full message plus a merged connector message view. A
// string return becomes a SENT response; an object return with a status
// field becomes a full response; no return means no response.
func (r *Runtime) RunPostprocessor(ctx context.Context, key string, env Env, msg *types.Message) (*types.Response, error) {
	prog, err := r.program(key)
	if err != nil {
		return nil, err
	}
	vm := r.newVM(ctx, env)
	merged := msg.Merged()
	if merged != nil {
		bindConnectorScope(vm, merged)
	}
	vm.Set("message", msg)

	v, err := r.runProgram(ctx, vm, prog)
	if err != nil {
		return nil, err
	}
	return responseFromValue(v)
}

// responseFromValue interprets a postprocessor return value.
func responseFromValue(v goja.Value) (*types.Response, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	switch exported := v.Export().(type) {
	case string:
		return types.NewResponse(types.StatusSent, exported), nil
	case map[string]any:
		resp := &types.Response{Status: types.StatusSent}
		if s, ok := exported["status"].(string); ok {
			status := types.Status(strings.ToUpper(strings.TrimSpace(s)))
			if !status.IsValid() {
				return nil, fmt.Errorf("postprocessor returned invalid status %q", s)
			}
			resp.Status = status
		}
		if m, ok := exported["message"].(string); ok {
			resp.Message = m
		}
		if m, ok := exported["statusMessage"].(string); ok {
			resp.StatusMessage = m
		}
		if m, ok := exported["error"].(string); ok {
			resp.Error = m
		}
		return resp, nil
	}
	return nil, nil
}

// serializeVar reads a scope variable back as a string. XML-ish objects
// with a callable toXMLString win, containers serialize to JSON, and
// primitives stringify. The second return is false when the variable is
// absent, undefined or null.
func serializeVar(vm *goja.Runtime, name string) (string, bool) {
	v := vm.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "", false
	}
	return serializeValue(vm, v), true
}

func serializeValue(vm *goja.Runtime, v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if fn, ok := goja.AssertFunction(obj.Get("toXMLString")); ok {
			if out, err := fn(obj); err == nil {
				return out.String()
			}
		}
		if b, err := json.Marshal(obj.Export()); err == nil {
			return string(b)
		}
	}
	return v.String()
}
