// Package messaging dispatches remote method calls to registered models and
// turns model lifecycle events into change notifications.
//
// The package is broker-agnostic. A transport hands each decoded request body to
// Dispatcher.Handle together with a ReplyFunc; the dispatcher validates the
// envelope, resolves the model and target, checks access, invokes the method and
// replies exactly once:
//
//	registry := messaging.NewRegistry()
//	registry.Register(messaging.ModelDefinition{
//		Name: "Widget",
//		StaticMethods: map[string]messaging.Method{
//			"count": func(ctx context.Context, call messaging.Call, done messaging.Completion) {
//				done(3, nil)
//			},
//		},
//	})
//
//	dispatcher := messaging.NewDispatcher(registry,
//		messaging.WithReplyTimeout(30*time.Second),
//		messaging.WithDispatcherLogger(logger),
//	)
//	transport.OnRequest(dispatcher.Handle)
//
// ChangeNotifier observes every Observable model and broadcasts create, update
// and remove events through a Broadcaster.
package messaging
