// Package bridge is the calling side of an RPC bridge.
//
// A Caller publishes request envelopes to <binding>.request.<model>.<method>
// and waits for the reply correlated by id on a private reply queue. A
// Watcher follows the <binding>.changes.# topic.
//
//	caller, err := bridge.NewCaller(ctx, ch, settings)
//	if err != nil {
//	    return err
//	}
//	defer caller.Close()
//
//	reply, err := caller.Invoke(ctx, "Widget", contracts.StaticID, "count", token)
//	if err != nil {
//	    return err
//	}
//	var n int
//	if err := reply.Decode(&n); err != nil {
//	    return err
//	}
package bridge
