package ctrl

import "context"

// Method identifies a remote call of the coordination service.
type Method uint8

const (
	MethodUnspecified Method = iota
	MethodLoadServer
	MethodBarrier
	MethodTryLock
	MethodNotifyDone
	MethodWaitUntilDone
	MethodPushKV
	MethodPullKV
	MethodClearKV
	MethodPushActEvent
	MethodClear
	MethodIncreaseCount
	MethodEraseCount
	methodCount
)

func (m Method) String() string {
	switch m {
	case MethodLoadServer:
		return "load_server"
	case MethodBarrier:
		return "barrier"
	case MethodTryLock:
		return "try_lock"
	case MethodNotifyDone:
		return "notify_done"
	case MethodWaitUntilDone:
		return "wait_until_done"
	case MethodPushKV:
		return "push_kv"
	case MethodPullKV:
		return "pull_kv"
	case MethodClearKV:
		return "clear_kv"
	case MethodPushActEvent:
		return "push_act_event"
	case MethodClear:
		return "clear"
	case MethodIncreaseCount:
		return "increase_count"
	case MethodEraseCount:
		return "erase_count"
	default:
		return "unspecified"
	}
}

// Valid reports whether m names an actual remote method.
func (m Method) Valid() bool {
	return m > MethodUnspecified && m < methodCount
}

// LockResult is the answer to a TryLock call.
type LockResult uint8

const (
	LockResultUnspecified LockResult = iota
	// LockResultLocked means the caller acquired the latch and must
	// eventually call NotifyDone.
	LockResultLocked
	// LockResultDoing means another caller holds the latch.
	LockResultDoing
	// LockResultDone means the latch holder already notified completion.
	LockResultDone
)

func (r LockResult) String() string {
	switch r {
	case LockResultLocked:
		return "locked"
	case LockResultDoing:
		return "doing"
	case LockResultDone:
		return "done"
	default:
		return "unspecified"
	}
}

// Request carries the fields of every remote method. Which fields are
// meaningful depends on Method:
//
//   - LoadServer: Addr
//   - Barrier: Name, Count
//   - TryLock, NotifyDone, WaitUntilDone: Name
//   - PushKV: Key, Value
//   - PullKV, ClearKV, EraseCount: Key
//   - PushActEvent: Event
//   - IncreaseCount: Key, Delta
type Request struct {
	Method Method
	Name   string
	Key    string
	Value  []byte
	Addr   string
	Count  int32
	Delta  int64
	Event  []byte
}

// Response carries the result of a remote method.
type Response struct {
	Result LockResult
	Value  []byte
	Count  int64
}

// Caller issues a coordination call and blocks until it is answered.
type Caller interface {
	Call(ctx context.Context, req *Request) (*Response, error)
}

// call is a request in flight inside the [Server]. Every call is answered
// exactly once, so the buffered reply channel never blocks the dispatcher.
type call struct {
	req   *Request
	reply chan *Response
}

func newCall(req *Request) *call {
	return &call{
		req:   req,
		reply: make(chan *Response, 1),
	}
}

func (c *call) respond(resp *Response) {
	c.reply <- resp
}

func (c *call) ack() {
	c.reply <- &Response{}
}
