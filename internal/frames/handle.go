package frames

import (
	"context"
	"sync"

	"framekeeper/internal/protocol"

	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

// Handle is a reference to a value living in a realm.
type Handle struct {
	ec  *ExecutionContext
	obj *proto.RuntimeRemoteObject

	mu       sync.Mutex
	disposed bool
}

// Realm that created the handle.
func (h *Handle) Realm() *Realm { return h.ec.realm }

// Object is the protocol description of the value.
func (h *Handle) Object() *proto.RuntimeRemoteObject { return h.obj }

// IsDisposed reports whether the handle was released or its context is gone.
func (h *Handle) IsDisposed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposed
}

// Value fetches the JSON value behind the handle.
func (h *Handle) Value(ctx context.Context) (gson.JSON, error) {
	if h.IsDisposed() {
		return gson.JSON{}, ErrHandleDisposed
	}
	if h.obj.ObjectID == "" {
		return remoteValue(h.obj)
	}
	obj, err := h.ec.send(ctx, func(s protocol.Session) (*proto.RuntimeRemoteObject, *proto.RuntimeExceptionDetails, error) {
		res, err := proto.RuntimeCallFunctionOn{
			FunctionDeclaration: "function() { return this; }",
			ObjectID:            h.obj.ObjectID,
			ReturnByValue:       true,
			AwaitPromise:        true,
		}.Call(s)
		if err != nil {
			return nil, nil, err
		}
		return res.Result, res.ExceptionDetails, nil
	})
	if err != nil {
		return gson.JSON{}, err
	}
	return remoteValue(obj)
}

// Dispose releases the remote object. Disposing twice is a no-op.
func (h *Handle) Dispose(ctx context.Context) error {
	if !h.markDisposed() {
		return nil
	}
	h.ec.forget(h)
	if h.obj.ObjectID == "" || h.ec.isGone() {
		return nil
	}
	_, err := h.ec.send(ctx, func(s protocol.Session) (*proto.RuntimeRemoteObject, *proto.RuntimeExceptionDetails, error) {
		err := proto.RuntimeReleaseObject{ObjectID: h.obj.ObjectID}.Call(s)
		return &proto.RuntimeRemoteObject{Type: proto.RuntimeRemoteObjectTypeUndefined}, nil, err
	})
	if contextGone(err) {
		return nil
	}
	return err
}

func (h *Handle) markDisposed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return false
	}
	h.disposed = true
	return true
}
