package messaging

import (
	"context"
	"sync"

	"github.com/glimte/rpcbridge/contracts"
	"github.com/stretchr/testify/mock"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) FindByID(ctx context.Context, id string) (any, error) {
	args := m.Called(ctx, id)
	return args.Get(0), args.Error(1)
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) ResolveIdentity(ctx context.Context, token string) (*Identity, error) {
	args := m.Called(ctx, token)
	identity, _ := args.Get(0).(*Identity)
	return identity, args.Error(1)
}

type mockChecker struct {
	mock.Mock
}

func (m *mockChecker) CheckAccess(ctx context.Context, identity *Identity, instanceID string, method MethodDescriptor) (bool, error) {
	args := m.Called(ctx, identity, instanceID, method)
	return args.Bool(0), args.Error(1)
}

type mockBroadcaster struct {
	mock.Mock
}

func (m *mockBroadcaster) Broadcast(ctx context.Context, model string, event contracts.ChangeEvent) error {
	return m.Called(ctx, model, event).Error(0)
}

// replyRecorder collects every response passed to its reply func
type replyRecorder struct {
	mu        sync.Mutex
	responses []contracts.Response
}

func (r *replyRecorder) reply(resp contracts.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp)
}

func (r *replyRecorder) all() []contracts.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]contracts.Response(nil), r.responses...)
}

// fakeObservable keeps observers in memory and fires them on demand
type fakeObservable struct {
	mu        sync.Mutex
	observers map[LifecycleEvent]map[int]Observer
	next      int
}

func newFakeObservable() *fakeObservable {
	return &fakeObservable{observers: make(map[LifecycleEvent]map[int]Observer)}
}

func (o *fakeObservable) Observe(event LifecycleEvent, observer Observer) Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.observers[event] == nil {
		o.observers[event] = make(map[int]Observer)
	}
	id := o.next
	o.next++
	o.observers[event][id] = observer
	return SubscriptionFunc(func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.observers[event], id)
	})
}

func (o *fakeObservable) count(event LifecycleEvent) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.observers[event])
}

func (o *fakeObservable) fire(ctx context.Context, event LifecycleEvent, lc LifecycleContext) error {
	o.mu.Lock()
	var observers []Observer
	for _, obs := range o.observers[event] {
		observers = append(observers, obs)
	}
	o.mu.Unlock()

	for _, obs := range observers {
		if err := obs(ctx, lc); err != nil {
			return err
		}
	}
	return nil
}
