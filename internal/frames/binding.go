package frames

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ysmood/gson"
)

const bindingTypeInternal = "internal"

// BindingCall is one invocation of a binding from page script.
type BindingCall struct {
	Name    string
	Seq     int64
	Args    []gson.JSON
	Trivial bool
	Context *ExecutionContext
}

// Frame the call came from.
func (c BindingCall) Frame() *Frame { return c.Context.Frame() }

// BindingFunc handles a binding call. The returned value resolves the
// page-side promise; an error rejects it.
type BindingFunc func(ctx context.Context, call BindingCall) (interface{}, error)

// Binding is a named function exposed into the main realm of frames.
type Binding struct {
	name     string
	fn       BindingFunc
	internal bool
}

// NewBinding returns an internal binding whose calls are answered by fn.
func NewBinding(name string, fn BindingFunc) *Binding {
	return &Binding{name: name, fn: fn, internal: true}
}

// NewExternalBinding exposes name as a raw protocol binding. Its calls are
// not handled here; they are re-emitted as BindingCalled events.
func NewExternalBinding(name string) *Binding {
	return &Binding{name: name}
}

// Name of the binding in the page's global scope.
func (b *Binding) Name() string { return b.name }

// Internal reports whether calls are answered by a Go handler.
func (b *Binding) Internal() bool { return b.internal }

func (b *Binding) String() string {
	kind := "external"
	if b.internal {
		kind = bindingTypeInternal
	}
	return fmt.Sprintf("%s(%s)", b.name, kind)
}

type bindingPayload struct {
	Type      string      `json:"type"`
	Name      string      `json:"name"`
	Seq       int64       `json:"seq"`
	Args      []gson.JSON `json:"args"`
	IsTrivial bool        `json:"isTrivial"`
}

func parseBindingPayload(s string) (*bindingPayload, bool) {
	var p bindingPayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, false
	}
	return &p, true
}

// bindingInitSource wraps the raw protocol binding so page calls return a
// promise settled by deliverBindingResult.
func bindingInitSource(name string) string {
	return fmt.Sprintf(`(() => {
  const name = %q;
  const binding = globalThis[name];
  if (typeof binding !== 'function' || binding.__framekeeper) return;
  const callbacks = new Map();
  let seq = 0;
  const wrapper = (...args) => {
    const id = ++seq;
    const isTrivial = !args.some(a => typeof Node !== 'undefined' && a instanceof Node);
    binding(JSON.stringify({type: 'internal', name, seq: id, args, isTrivial}));
    return new Promise((resolve, reject) => callbacks.set(id, {resolve, reject}));
  };
  wrapper.__framekeeper = {callbacks};
  globalThis[name] = wrapper;
})()`, name)
}

const deliverBindingResult = `function(name, seq, ok, value) {
  const state = globalThis[name] && globalThis[name].__framekeeper;
  if (!state) return;
  const cb = state.callbacks.get(seq);
  if (!cb) return;
  state.callbacks.delete(seq);
  if (ok) cb.resolve(value); else cb.reject(new Error(value));
}`
