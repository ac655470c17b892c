package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glimte/rpcbridge/contracts"
)

// ErrInvalidToken is returned by an IdentityResolver when the token cannot be
// resolved. The caller is then treated as anonymous.
var ErrInvalidToken = errors.New("invalid access token")

// ReplyFunc sends the response for one request
type ReplyFunc func(resp contracts.Response)

// RequestHandler consumes a decoded request body and replies through reply
type RequestHandler func(ctx context.Context, payload contracts.Payload, reply ReplyFunc)

// Broadcaster publishes change events for a model
type Broadcaster interface {
	Broadcast(ctx context.Context, model string, event contracts.ChangeEvent) error
}

// Store resolves instances of a model. A nil record with a nil error means the
// instance does not exist.
type Store interface {
	FindByID(ctx context.Context, id string) (any, error)
}

// LifecycleEvent names a model hook
type LifecycleEvent string

const (
	AfterSave   LifecycleEvent = "after save"
	AfterDelete LifecycleEvent = "after delete"
)

// LifecycleContext describes a persisted change
type LifecycleContext struct {
	Model         string
	ID            string
	Instance      any
	IsNewInstance bool
}

// Observer is notified of lifecycle events. A non-nil error aborts the
// store operation that triggered it.
type Observer func(ctx context.Context, lc LifecycleContext) error

// Subscription detaches an observer
type Subscription interface {
	Cancel()
}

// SubscriptionFunc adapts a function to Subscription
type SubscriptionFunc func()

// Cancel implements Subscription
func (f SubscriptionFunc) Cancel() {
	f()
}

// Observable is implemented by models that emit lifecycle events
type Observable interface {
	Observe(event LifecycleEvent, observer Observer) Subscription
}

// Identity is a caller resolved from an access token
type Identity struct {
	UserID string
	Roles  []string
	Claims map[string]any
}

// HasRole reports whether the identity carries role
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Call is a resolved invocation
type Call struct {
	Model    string
	ID       string
	Method   string
	Args     []json.RawMessage
	Identity *Identity
	// Target is the looked-up instance; nil for static calls
	Target any
}

// Arg decodes the i-th argument into v
func (c Call) Arg(i int, v any) error {
	if i < 0 || i >= len(c.Args) {
		return contracts.BadRequest(fmt.Sprintf("missing argument %d", i))
	}
	if err := json.Unmarshal(c.Args[i], v); err != nil {
		return contracts.BadRequest(fmt.Sprintf("invalid argument %d: %v", i, err))
	}
	return nil
}

// Completion reports a method result. Only the first call counts.
type Completion func(data any, err error)

// Method is a remotely callable function. It must call done exactly once,
// synchronously or from another goroutine.
type Method func(ctx context.Context, call Call, done Completion)

// MethodDescriptor identifies the method an access check is about
type MethodDescriptor struct {
	Model  string
	Name   string
	Static bool
}

// IdentityResolver turns an access token into an identity
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, token string) (*Identity, error)
}

// AccessChecker decides whether identity may invoke method on instanceID.
// identity is nil for anonymous callers. instanceID is empty for static calls.
// The ACL in package auth matches on model, method and principal only; it
// receives instanceID for logging and cannot grant per-instance access.
type AccessChecker interface {
	CheckAccess(ctx context.Context, identity *Identity, instanceID string, method MethodDescriptor) (bool, error)
}

// AccessControl gates invocations. Checks run only when Enabled is set and a
// Checker is present.
type AccessControl struct {
	Enabled  bool
	Resolver IdentityResolver
	Checker  AccessChecker
}

func (ac AccessControl) active() bool {
	return ac.Enabled && ac.Checker != nil
}
