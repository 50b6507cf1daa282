package ctrl

import (
	"context"
	"fmt"
)

// Client exposes the coordination service as typed methods on top of any
// [Caller]. It is safe for concurrent use if the Caller is.
type Client struct {
	caller Caller
}

func NewClient(caller Caller) *Client {
	return &Client{caller: caller}
}

func (cl *Client) call(ctx context.Context, req *Request) (*Response, error) {
	resp, err := cl.caller.Call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Method, err)
	}
	return resp, nil
}

// LoadServer registers addr as the address of the coordination service.
// Every worker of a job must report the same address.
func (cl *Client) LoadServer(ctx context.Context, addr string) error {
	_, err := cl.call(ctx, &Request{Method: MethodLoadServer, Addr: addr})
	return err
}

// Barrier blocks until count callers have entered the barrier name.
func (cl *Client) Barrier(ctx context.Context, name string, count int32) error {
	_, err := cl.call(ctx, &Request{Method: MethodBarrier, Name: name, Count: count})
	return err
}

// TryLock never blocks. Exactly one caller per name observes
// [LockResultLocked] and becomes responsible for calling NotifyDone.
func (cl *Client) TryLock(ctx context.Context, name string) (LockResult, error) {
	resp, err := cl.call(ctx, &Request{Method: MethodTryLock, Name: name})
	if err != nil {
		return LockResultUnspecified, err
	}
	return resp.Result, nil
}

func (cl *Client) NotifyDone(ctx context.Context, name string) error {
	_, err := cl.call(ctx, &Request{Method: MethodNotifyDone, Name: name})
	return err
}

// WaitUntilDone blocks until the holder of name calls NotifyDone. The caller
// must have observed the latch through TryLock first.
func (cl *Client) WaitUntilDone(ctx context.Context, name string) error {
	_, err := cl.call(ctx, &Request{Method: MethodWaitUntilDone, Name: name})
	return err
}

// LockOrWait runs fn on exactly one caller for name, while every other
// caller waits until it is done. Callers arriving after completion return
// immediately.
func (cl *Client) LockOrWait(ctx context.Context, name string, fn func(context.Context) error) error {
	result, err := cl.TryLock(ctx, name)
	if err != nil {
		return err
	}

	switch result {
	case LockResultLocked:
		if err := fn(ctx); err != nil {
			return err
		}
		return cl.NotifyDone(ctx, name)
	case LockResultDoing:
		return cl.WaitUntilDone(ctx, name)
	case LockResultDone:
		return nil
	default:
		return fmt.Errorf("%w: unexpected lock result %s", ErrMalformedCall, result)
	}
}

// PushKV stores val under key. A key can only be pushed once until cleared.
func (cl *Client) PushKV(ctx context.Context, key string, val []byte) error {
	_, err := cl.call(ctx, &Request{Method: MethodPushKV, Key: key, Value: val})
	return err
}

// PullKV blocks until key has been pushed and returns its value.
func (cl *Client) PullKV(ctx context.Context, key string) ([]byte, error) {
	resp, err := cl.call(ctx, &Request{Method: MethodPullKV, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (cl *Client) ClearKV(ctx context.Context, key string) error {
	_, err := cl.call(ctx, &Request{Method: MethodClearKV, Key: key})
	return err
}

// PushActEvent hands event to the server's event sink. It returns as soon
// as the server accepted the event.
func (cl *Client) PushActEvent(ctx context.Context, event []byte) error {
	_, err := cl.call(ctx, &Request{Method: MethodPushActEvent, Event: event})
	return err
}

// Clear resets every latch and key-value pair.
func (cl *Client) Clear(ctx context.Context) error {
	_, err := cl.call(ctx, &Request{Method: MethodClear})
	return err
}

// IncreaseCount adds delta to the counter key and returns its new value.
func (cl *Client) IncreaseCount(ctx context.Context, key string, delta int64) (int64, error) {
	resp, err := cl.call(ctx, &Request{Method: MethodIncreaseCount, Key: key, Delta: delta})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (cl *Client) EraseCount(ctx context.Context, key string) error {
	_, err := cl.call(ctx, &Request{Method: MethodEraseCount, Key: key})
	return err
}
