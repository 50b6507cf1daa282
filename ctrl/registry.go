package ctrl

// LatchState is the lifecycle of a named latch.
type LatchState uint8

const (
	LatchAbsent LatchState = iota
	LatchInProgress
	LatchDone
)

func (s LatchState) String() string {
	switch s {
	case LatchInProgress:
		return "in_progress"
	case LatchDone:
		return "done"
	default:
		return "absent"
	}
}

type barrier struct {
	expected int32
	waiters  []*call
}

type latch struct {
	state   LatchState
	waiters []*call
}

// Registry owns the named state of the coordination service for the
// lifetime of a job. It is not safe for concurrent use: the [Server] only
// touches it from its dispatch goroutine.
type Registry struct {
	firstAddr    string
	hasFirstAddr bool

	barriers map[string]*barrier
	latches  map[string]*latch
	kv       map[string][]byte
	pulls    map[string][]*call
	counters map[string]int64
}

func NewRegistry() *Registry {
	return &Registry{
		barriers: make(map[string]*barrier),
		latches:  make(map[string]*latch),
		kv:       make(map[string][]byte),
		pulls:    make(map[string][]*call),
		counters: make(map[string]int64),
	}
}

// outcome tells the dispatcher what happened to a call.
type outcome struct {
	deferred bool
	// released is the number of previously parked calls answered.
	released int
}

func (reg *Registry) handle(c *call) outcome {
	req := c.req
	switch req.Method {
	case MethodLoadServer:
		return reg.loadServer(c)
	case MethodBarrier:
		return reg.barrier(c)
	case MethodTryLock:
		return reg.tryLock(c)
	case MethodNotifyDone:
		return reg.notifyDone(c)
	case MethodWaitUntilDone:
		return reg.waitUntilDone(c)
	case MethodPushKV:
		return reg.pushKV(c)
	case MethodPullKV:
		return reg.pullKV(c)
	case MethodClearKV:
		return reg.clearKV(c)
	case MethodClear:
		return reg.clear(c)
	case MethodIncreaseCount:
		return reg.increaseCount(c)
	case MethodEraseCount:
		return reg.eraseCount(c)
	default:
		violation(ErrUnknownMethod, "%s reached the registry", req.Method)
		return outcome{}
	}
}

func (reg *Registry) loadServer(c *call) outcome {
	addr := c.req.Addr
	if !reg.hasFirstAddr {
		reg.firstAddr = addr
		reg.hasFirstAddr = true
	} else if addr != reg.firstAddr {
		violation(ErrAddrMismatch, "got %q, first registered %q", addr, reg.firstAddr)
	}
	c.ack()
	return outcome{}
}

func (reg *Registry) barrier(c *call) outcome {
	name, count := c.req.Name, c.req.Count
	if count <= 0 {
		violation(ErrBarrierInvalidCount, "barrier %q declared with %d participants", name, count)
	}

	b, ok := reg.barriers[name]
	if !ok {
		b = &barrier{expected: count}
		reg.barriers[name] = b
	}
	if b.expected != count {
		violation(ErrBarrierCountMismatch, "barrier %q expects %d participants, got %d", name, b.expected, count)
	}

	b.waiters = append(b.waiters, c)
	if int32(len(b.waiters)) < b.expected {
		return outcome{deferred: true}
	}

	for _, waiter := range b.waiters {
		waiter.ack()
	}
	delete(reg.barriers, name)
	// the last arrival is answered with the group, it was never parked
	return outcome{released: len(b.waiters) - 1}
}

func (reg *Registry) tryLock(c *call) outcome {
	name := c.req.Name
	l, ok := reg.latches[name]
	if !ok {
		reg.latches[name] = &latch{state: LatchInProgress}
		c.respond(&Response{Result: LockResultLocked})
		return outcome{}
	}

	switch l.state {
	case LatchInProgress:
		c.respond(&Response{Result: LockResultDoing})
	case LatchDone:
		c.respond(&Response{Result: LockResultDone})
	}
	return outcome{}
}

func (reg *Registry) notifyDone(c *call) outcome {
	name := c.req.Name
	l, ok := reg.latches[name]
	if !ok || l.state != LatchInProgress {
		state := LatchAbsent
		if ok {
			state = l.state
		}
		violation(ErrLatchNotInProgress, "latch %q is %s", name, state)
	}

	released := len(l.waiters)
	for _, waiter := range l.waiters {
		waiter.ack()
	}
	l.waiters = nil
	l.state = LatchDone
	c.ack()
	return outcome{released: released}
}

func (reg *Registry) waitUntilDone(c *call) outcome {
	name := c.req.Name
	l, ok := reg.latches[name]
	if !ok {
		violation(ErrLatchUnknown, "wait on latch %q", name)
	}

	if l.state == LatchDone {
		c.ack()
		return outcome{}
	}
	l.waiters = append(l.waiters, c)
	return outcome{deferred: true}
}

func (reg *Registry) pushKV(c *call) outcome {
	key, val := c.req.Key, c.req.Value
	if _, exists := reg.kv[key]; exists {
		violation(ErrKeyExists, "push of %q", key)
	}
	reg.kv[key] = val

	pending := reg.pulls[key]
	for _, pull := range pending {
		pull.respond(&Response{Value: val})
	}
	delete(reg.pulls, key)
	c.ack()
	return outcome{released: len(pending)}
}

func (reg *Registry) pullKV(c *call) outcome {
	key := c.req.Key
	if val, ok := reg.kv[key]; ok {
		c.respond(&Response{Value: val})
		return outcome{}
	}
	reg.pulls[key] = append(reg.pulls[key], c)
	return outcome{deferred: true}
}

func (reg *Registry) clearKV(c *call) outcome {
	key := c.req.Key
	if pending := len(reg.pulls[key]); pending > 0 {
		violation(ErrPullsPending, "clear of %q with %d pulls waiting", key, pending)
	}
	if _, ok := reg.kv[key]; !ok {
		violation(ErrKeyMissing, "clear of %q", key)
	}
	delete(reg.kv, key)
	c.ack()
	return outcome{}
}

func (reg *Registry) clear(c *call) outcome {
	if len(reg.pulls) > 0 {
		for key, pending := range reg.pulls {
			violation(ErrPullsPending, "clear with %d keys awaited, %d pulls on %q", len(reg.pulls), len(pending), key)
		}
	}
	clear(reg.latches)
	clear(reg.kv)
	c.ack()
	return outcome{}
}

func (reg *Registry) increaseCount(c *call) outcome {
	key := c.req.Key
	reg.counters[key] += c.req.Delta
	c.respond(&Response{Count: reg.counters[key]})
	return outcome{}
}

func (reg *Registry) eraseCount(c *call) outcome {
	key := c.req.Key
	if _, ok := reg.counters[key]; !ok {
		violation(ErrCounterMissing, "erase of %q", key)
	}
	delete(reg.counters, key)
	c.ack()
	return outcome{}
}

// parked counts the calls currently awaiting a deferred response.
func (reg *Registry) parked() int {
	total := 0
	for _, b := range reg.barriers {
		total += len(b.waiters)
	}
	for _, l := range reg.latches {
		total += len(l.waiters)
	}
	for _, pending := range reg.pulls {
		total += len(pending)
	}
	return total
}

func (reg *Registry) latchState(name string) LatchState {
	l, ok := reg.latches[name]
	if !ok {
		return LatchAbsent
	}
	return l.state
}
