package enforcement

import (
	"context"
	"errors"
	"sync"
)

// ErrSimulatedFailure is returned by Simulator methods armed with FailWith
var ErrSimulatedFailure = errors.New("simulated native failure")

// SimulatedChild is the enforcement state the Simulator holds for a child
type SimulatedChild struct {
	GrantID           string
	RemainingMinutes  int
	AllowedApps       []string
	AllowedCategories []string
	Status            string
	Active            bool
}

// Simulator is an in-memory NativeModule. It stands in for OS enforcement
// on desktop builds and in tests, and can be told to misbehave.
type Simulator struct {
	mu         sync.Mutex
	authorized bool
	children   map[string]*SimulatedChild
	calls      map[string]int
	disabled   map[string]bool
	failures   map[string]error
	rejections map[string]string
	panics     map[string]bool
}

// NewSimulator creates a Simulator that starts out authorized
func NewSimulator() *Simulator {
	return &Simulator{
		authorized: true,
		children:   make(map[string]*SimulatedChild),
		calls:      make(map[string]int),
		disabled:   make(map[string]bool),
		failures:   make(map[string]error),
		rejections: make(map[string]string),
		panics:     make(map[string]bool),
	}
}

// SetAuthorized toggles the device-level permission
func (s *Simulator) SetAuthorized(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = v
}

// Disable makes Supports report false for method
func (s *Simulator) Disable(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[method] = true
}

// FailWith makes method return err as a Go error. A nil err clears it.
func (s *Simulator) FailWith(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// Reject makes method answer {success:false, error:msg}. An empty msg clears it.
func (s *Simulator) Reject(method, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg == "" {
		delete(s.rejections, method)
		return
	}
	s.rejections[method] = msg
}

// PanicOn makes method panic when called
func (s *Simulator) PanicOn(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panics[method] = true
}

// Calls returns how many times method was invoked
func (s *Simulator) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Child returns a copy of the state held for childUserID
func (s *Simulator) Child(childUserID string) (SimulatedChild, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[childUserID]
	if !ok {
		return SimulatedChild{}, false
	}
	return *c, true
}

// Supports implements NativeModule
func (s *Simulator) Supports(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled[method] {
		return false
	}
	switch method {
	case MethodGrant, MethodRevoke, MethodStatus, MethodSyncGrant,
		MethodIsAuthorized, MethodRequestAuthorization:
		return true
	}
	return false
}

// Call implements NativeModule
func (s *Simulator) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	s.mu.Lock()
	s.calls[method]++
	shouldPanic := s.panics[method]
	failure := s.failures[method]
	rejection := s.rejections[method]
	s.mu.Unlock()

	if shouldPanic {
		panic("simulator: " + method)
	}
	if failure != nil {
		return nil, failure
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rejection != "" {
		return map[string]any{"success": false, "error": rejection}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch method {
	case MethodIsAuthorized:
		return map[string]any{"authorized": s.authorized}, nil
	case MethodRequestAuthorization:
		s.authorized = true
		return map[string]any{"authorized": true}, nil
	}

	if method != MethodStatus && !s.authorized {
		return map[string]any{"success": false, "code": CodeNotAuthorized, "error": "screen time permission not granted"}, nil
	}

	child, _ := args["childUserId"].(string)
	if child == "" {
		return map[string]any{"success": false, "error": "childUserId is required"}, nil
	}
	state := s.children[child]
	if state == nil {
		state = &SimulatedChild{}
		s.children[child] = state
	}

	switch method {
	case MethodGrant:
		state.RemainingMinutes = intValue(args["durationMinutes"])
		state.AllowedApps = stringSlice(firstOf(args, "allowedBundleIds", "allowedPackages"))
		state.AllowedCategories = stringSlice(args["allowedCategories"])
		state.Active = state.RemainingMinutes > 0
		state.Status = "active"
		return map[string]any{"success": true, "remainingMinutes": state.RemainingMinutes}, nil

	case MethodRevoke:
		*state = SimulatedChild{Status: "revoked"}
		return map[string]any{"success": true}, nil

	case MethodSyncGrant:
		status, _ := args["status"].(string)
		state.GrantID, _ = args["grantId"].(string)
		state.Status = status
		if status != "active" {
			state.RemainingMinutes = 0
			state.AllowedApps = nil
			state.AllowedCategories = nil
			state.Active = false
			return map[string]any{"success": true}, nil
		}
		state.RemainingMinutes = intValue(args["durationMinutes"])
		state.AllowedApps = stringSlice(firstOf(args, "allowedBundleIds", "allowedPackages"))
		state.AllowedCategories = stringSlice(args["allowedCategories"])
		state.Active = state.RemainingMinutes > 0
		return map[string]any{"success": true}, nil

	case MethodStatus:
		active := 0
		if state.Active {
			active = 1
		}
		return map[string]any{"remainingMinutes": state.RemainingMinutes, "activeGrants": active}, nil
	}

	return nil, ErrMethodUnsupported
}

func firstOf(args map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := args[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

var _ NativeModule = (*Simulator)(nil)
