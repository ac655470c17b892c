package messaging

import (
	"sync/atomic"

	"github.com/glimte/rpcbridge/contracts"
)

// OnceReply guards reply so that only the first response is delivered.
// onDuplicate, if set, is called with every response after the first.
func OnceReply(reply ReplyFunc, onDuplicate func(contracts.Response)) ReplyFunc {
	var sent atomic.Bool
	return func(resp contracts.Response) {
		if !sent.CompareAndSwap(false, true) {
			if onDuplicate != nil {
				onDuplicate(resp)
			}
			return
		}
		reply(resp)
	}
}

// completion is a one-shot result slot shared by a method and the dispatcher
type completion struct {
	done   atomic.Bool
	result chan callResult
	late   func(data any, err error)
}

type callResult struct {
	data any
	err  error
}

func newCompletion(late func(data any, err error)) *completion {
	return &completion{
		result: make(chan callResult, 1),
		late:   late,
	}
}

func (c *completion) complete(data any, err error) {
	if !c.done.CompareAndSwap(false, true) {
		if c.late != nil {
			c.late(data, err)
		}
		return
	}
	c.result <- callResult{data: data, err: err}
}
