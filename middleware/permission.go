package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/hooks"
	"github.com/strandlabs/strand/toolerrors"
)

type (
	// Decision is a persisted permission policy verdict.
	Decision string

	// Scope qualifies where a permission policy applies. Lookup precedence
	// is conversation, then project, then global.
	Scope string

	// ScopeRef identifies the concrete project and conversation a lookup
	// runs against.
	ScopeRef struct {
		Project      string
		Conversation string
	}

	// PolicyStore persists permission decisions keyed by function and scope.
	// Implementations must be safe for concurrent use.
	PolicyStore interface {
		// Lookup returns the effective decision for the function, most
		// specific scope first. Returns DecisionAsk when no policy exists.
		Lookup(ctx context.Context, function string, ref ScopeRef) (Decision, Scope, error)
		// Set records a decision for the function at the given scope.
		Set(ctx context.Context, function string, scope Scope, ref ScopeRef, d Decision) error
	}

	// PermissionFilter gates tool calls whose tool declares
	// RequiresPermission. Policy hits short-circuit; otherwise the filter
	// emits a PermissionRequest and suspends the call until a response,
	// timeout, or cancellation. Timeouts and cancellations deny.
	PermissionFilter struct {
		policies PolicyStore
		project  string
		timeout  time.Duration
	}

	// PermissionOption configures a PermissionFilter.
	PermissionOption func(*PermissionFilter)

	// MemoryPolicyStore is an in-process PolicyStore.
	MemoryPolicyStore struct {
		mu       sync.RWMutex
		policies map[string]Decision
	}
)

const (
	// DecisionAsk prompts the user for each call.
	DecisionAsk Decision = "ask"
	// DecisionAlwaysAllow lets calls through without prompting.
	DecisionAlwaysAllow Decision = "always_allow"
	// DecisionAlwaysDeny rejects calls without prompting.
	DecisionAlwaysDeny Decision = "always_deny"

	// ScopeGlobal applies everywhere.
	ScopeGlobal Scope = "global"
	// ScopeProject applies within one project.
	ScopeProject Scope = "project"
	// ScopeConversation applies within one session.
	ScopeConversation Scope = "conversation"

	permissionKey            = "permission_filter"
	defaultPermissionTimeout = 5 * time.Minute
)

// WithPermissionTimeout bounds how long a prompt waits before it is treated
// as denied. Default is 5 minutes.
func WithPermissionTimeout(d time.Duration) PermissionOption {
	return func(f *PermissionFilter) { f.timeout = d }
}

// WithProject sets the project identifier used for project-scoped policies.
func WithProject(project string) PermissionOption {
	return func(f *PermissionFilter) { f.project = project }
}

// NewPermissionFilter constructs the filter over the given policy store.
func NewPermissionFilter(policies PolicyStore, opts ...PermissionOption) (*PermissionFilter, error) {
	if policies == nil {
		return nil, fmt.Errorf("middleware: policy store is required")
	}
	f := &PermissionFilter{policies: policies, timeout: defaultPermissionTimeout}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Key implements Middleware.
func (f *PermissionFilter) Key() string { return permissionKey }

// WrapToolCall implements ToolInterceptor.
func (f *PermissionFilter) WrapToolCall(ctx context.Context, tc *TurnContext, req *ToolRequest, next ToolCall) (any, error) {
	if req.Tool == nil || !req.Tool.Options.RequiresPermission {
		return next(ctx, req)
	}
	function := req.Call.Name

	// Calls approved earlier in this turn (including before a crash and
	// resume) proceed without re-prompting.
	if tc.Loop.Approved(req.Call.ID) {
		return next(ctx, req)
	}

	ref := ScopeRef{Project: f.project, Conversation: tc.Meta.SessionID}
	decision, scope, err := f.policies.Lookup(ctx, function, ref)
	if err != nil {
		return nil, fmt.Errorf("middleware: permission lookup for %q: %w", function, err)
	}
	f.publish(ctx, tc, hooks.NewPermissionCheckEvent(tc.Meta, function, string(decision), string(scope)))

	switch decision {
	case DecisionAlwaysAllow:
		tc.Loop.Approve(req.Call.ID)
		f.publish(ctx, tc, hooks.NewPermissionApprovedEvent(tc.Meta, function, req.Call.ID))
		return next(ctx, req)
	case DecisionAlwaysDeny:
		f.publish(ctx, tc, hooks.NewPermissionDeniedEvent(tc.Meta, function, req.Call.ID, "policy"))
		return nil, denialError(function)
	}

	// An identical call already approved interactively this turn does not
	// prompt again; parallel fan-outs of the same invocation ask once.
	sig := callSignature(function, req.Call.Input)
	approvedSigs, _, err := RuntimeState[map[string]bool](tc, permissionKey)
	if err != nil {
		return nil, err
	}
	if approvedSigs[sig] {
		tc.Loop.Approve(req.Call.ID)
		return next(ctx, req)
	}

	return f.ask(ctx, tc, req, sig, ref, next)
}

func (f *PermissionFilter) ask(ctx context.Context, tc *TurnContext, req *ToolRequest, sig string, ref ScopeRef, next ToolCall) (any, error) {
	function := req.Call.Name
	id := uuid.NewString()
	f.publish(ctx, tc, hooks.NewPermissionRequestEvent(tc.Meta, id, function, req.Call.ID, req.Call.Input))

	ev, err := tc.Bus.WaitForResponse(ctx, id, f.timeout)
	if err != nil {
		reason := "canceled"
		if errors.Is(err, hooks.ErrWaitTimeout) {
			reason = "timeout"
		}
		f.publish(ctx, tc, hooks.NewPermissionDeniedEvent(tc.Meta, function, req.Call.ID, reason))
		return nil, &AbortTurn{Reason: "permission_denied", Err: denialError(function)}
	}
	resp, ok := ev.(*hooks.PermissionResponseEvent)
	if !ok {
		return nil, fmt.Errorf("middleware: unexpected response event %T for permission %q", ev, id)
	}

	if resp.Remember != "" {
		d := DecisionAlwaysDeny
		if resp.Approved {
			d = DecisionAlwaysAllow
		}
		scope := Scope(resp.Scope)
		if scope == "" {
			scope = ScopeConversation
		}
		if err := f.policies.Set(ctx, function, scope, ref, d); err != nil {
			return nil, fmt.Errorf("middleware: persist permission policy for %q: %w", function, err)
		}
	}

	if !resp.Approved {
		f.publish(ctx, tc, hooks.NewPermissionDeniedEvent(tc.Meta, function, req.Call.ID, "user"))
		return nil, &AbortTurn{Reason: "permission_denied", Err: denialError(function)}
	}

	tc.Loop.Approve(req.Call.ID)
	if err := UpdateRuntimeState(tc, permissionKey, func(sigs map[string]bool) map[string]bool {
		out := make(map[string]bool, len(sigs)+1)
		for k, v := range sigs {
			out[k] = v
		}
		out[sig] = true
		return out
	}); err != nil {
		return nil, err
	}
	f.publish(ctx, tc, hooks.NewPermissionApprovedEvent(tc.Meta, function, req.Call.ID))
	return next(ctx, req)
}

func (f *PermissionFilter) publish(ctx context.Context, tc *TurnContext, ev hooks.Event) {
	// Observer failures never gate the permission decision.
	_ = tc.Bus.Publish(ctx, ev)
}

func denialError(function string) error {
	return toolerrors.NewKind(toolerrors.KindPermissionDenied, fmt.Sprintf("permission denied for %s", function))
}

// callSignature is a stable digest of a function name and its arguments.
func callSignature(function string, args map[string]any) string {
	h := sha256.New()
	h.Write([]byte(function))
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw, _ := json.Marshal(args[k])
		fmt.Fprintf(h, "|%s=%s", k, raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NewMemoryPolicyStore constructs an empty in-process policy store.
func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[string]Decision)}
}

// Lookup implements PolicyStore.
func (s *MemoryPolicyStore) Lookup(_ context.Context, function string, ref ScopeRef) (Decision, Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, scope := range []Scope{ScopeConversation, ScopeProject, ScopeGlobal} {
		if d, ok := s.policies[policyKey(function, scope, ref)]; ok {
			return d, scope, nil
		}
	}
	return DecisionAsk, "", nil
}

// Set implements PolicyStore.
func (s *MemoryPolicyStore) Set(_ context.Context, function string, scope Scope, ref ScopeRef, d Decision) error {
	switch scope {
	case ScopeGlobal, ScopeProject, ScopeConversation:
	default:
		return fmt.Errorf("middleware: unknown policy scope %q", scope)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policyKey(function, scope, ref)] = d
	return nil
}

func policyKey(function string, scope Scope, ref ScopeRef) string {
	switch scope {
	case ScopeProject:
		return fmt.Sprintf("project/%s/%s", ref.Project, function)
	case ScopeConversation:
		return fmt.Sprintf("conversation/%s/%s", ref.Conversation, function)
	default:
		return "global//" + function
	}
}

var (
	_ ToolInterceptor = (*PermissionFilter)(nil)
	_ PolicyStore     = (*MemoryPolicyStore)(nil)
)
