package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/keymesh/internal/message"
)

// ScriptEntry is the global Lua function a script must define.
const ScriptEntry = "handle"

var (
	// ErrScriptClosed is returned when a closed script receives a query.
	ErrScriptClosed = errors.New("script is closed")

	// ErrNoEntry is returned when a script does not define handle.
	ErrNoEntry = errors.New("script does not define function " + ScriptEntry)
)

// Script is a queryable handler backed by a Lua function
//
//	function handle(payload, key)
//	    return "reply"        -- ok reply
//	    return nil, "reason"  -- error reply
//	    return nil            -- no reply
//	end
//
// The Lua state is not goroutine-safe, so calls are serialized.
type Script struct {
	name string

	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

// LoadScript compiles the Lua file at path.
func LoadScript(path string) (*Script, error) {
	return newScript(path, func(L *lua.LState) error { return L.DoFile(path) })
}

// NewScript compiles Lua source. name is used in error messages.
func NewScript(name, source string) (*Script, error) {
	return newScript(name, func(L *lua.LState) error { return L.DoString(source) })
}

func newScript(name string, load func(*lua.LState) error) (*Script, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)

	if err := load(L); err != nil {
		L.Close()
		return nil, fmt.Errorf("loading script %s: %w", name, err)
	}
	if fn := L.GetGlobal(ScriptEntry); fn.Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("loading script %s: %w", name, ErrNoEntry)
	}
	return &Script{name: name, L: L}, nil
}

// openSafeLibraries opens the libraries that cannot reach the host.
// io, os, debug and package stay closed.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
}

// Name returns the script path or name.
func (s *Script) Name() string {
	return s.name
}

// Call runs handle(payload, key). ok is false when the script returned nil
// without an error.
func (s *Script) Call(ctx context.Context, payload, key string) (reply string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", false, ErrScriptClosed
	}

	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	top := s.L.GetTop()
	defer s.L.SetTop(top)

	err = s.L.CallByParam(lua.P{
		Fn:      s.L.GetGlobal(ScriptEntry),
		NRet:    2,
		Protect: true,
	}, lua.LString(payload), lua.LString(key))
	if err != nil {
		return "", false, fmt.Errorf("script %s: %w", s.name, err)
	}

	ret, reason := s.L.Get(-2), s.L.Get(-1)
	switch {
	case ret == lua.LNil && reason != lua.LNil:
		return "", false, errors.New(lua.LVAsString(reason))
	case ret == lua.LNil:
		return "", false, nil
	case ret.Type() == lua.LTString || ret.Type() == lua.LTNumber:
		return lua.LVAsString(ret), true, nil
	case ret.Type() == lua.LTBool:
		return ret.String(), true, nil
	default:
		return "", false, fmt.Errorf("script %s: %s returned a %s", s.name, ScriptEntry, ret.Type())
	}
}

// Handle implements node.Handler.
func (s *Script) Handle(ctx context.Context, q *message.Query) error {
	reply, ok, err := s.Call(ctx, q.PayloadString(), q.Key().String())
	if err != nil || !ok {
		return err
	}
	return q.Reply(ctx, []byte(reply))
}

// Close releases the Lua state. It waits for a running call.
func (s *Script) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.L.Close()
	}
	return nil
}
