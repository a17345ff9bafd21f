package mailbox

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/wallera-computer/nsipc/tee/types"
)

// SlotState is the lifecycle state of a queue slot.
type SlotState int

const (
	// SlotFree slots can be allocated by Tx.
	SlotFree SlotState = iota
	// SlotPending slots hold a request not yet fetched by the secure side.
	SlotPending
	// SlotInService slots hold a request the secure side is processing.
	SlotInService
	// SlotReplied slots hold a reply not yet collected by Rx.
	SlotReplied
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotPending:
		return "pending"
	case SlotInService:
		return "in-service"
	case SlotReplied:
		return "replied"
	default:
		return fmt.Sprintf("slot_state(%d)", int(s))
	}
}

type slot struct {
	msg   types.Message
	reply types.Reply

	// owned is set while a caller sleeps on the slot, woken once the
	// reply interrupt handed it the reply.
	owned bool
	woken bool

	// abandoned slots are released on reply instead of waiting for Rx.
	abandoned bool

	// onFree runs when the slot returns to the pool.
	onFree func()
}

// Queue is the fixed-capacity slot array shared by the non-secure and the
// secure core. Slot state is tracked with three bitmasks, a slot set in
// none of them is in service on the secure side.
type Queue struct {
	mu sync.Mutex

	slots   []slot
	empty   uint32
	pend    uint32
	replied uint32

	// irq is raised by the secure side after posting a reply.
	irq func()
}

// NewQueue returns a queue with n free slots.
func NewQueue(n int) (*Queue, error) {
	if n <= 0 || n > MaxSlots {
		return nil, fmt.Errorf("%w: %d slots, want 1..%d", ErrInit, n, MaxSlots)
	}

	q := &Queue{
		slots: make([]slot, n),
		empty: allSlots(n),
	}

	return q, nil
}

func allSlots(n int) uint32 {
	if n == MaxSlots {
		return ^uint32(0)
	}

	return uint32(1)<<n - 1
}

// Slots returns the queue capacity.
func (q *Queue) Slots() int {
	return len(q.slots)
}

// Free returns the number of free slots.
func (q *Queue) Free() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return bits.OnesCount32(q.empty)
}

// State returns the state of slot i.
func (q *Queue) State(i int) SlotState {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.state(i)
}

func (q *Queue) state(i int) SlotState {
	bit := uint32(1) << i

	switch {
	case q.empty&bit != 0:
		return SlotFree
	case q.pend&bit != 0:
		return SlotPending
	case q.replied&bit != 0:
		return SlotReplied
	default:
		return SlotInService
	}
}

func (q *Queue) valid(i int) bool {
	return i >= 0 && i < len(q.slots)
}

// alloc claims a free slot, the caller holds q.mu.
func (q *Queue) alloc() (int, bool) {
	if q.empty == 0 {
		return 0, false
	}

	i := bits.TrailingZeros32(q.empty)
	q.empty &^= 1 << i

	return i, true
}

// free returns slot i to the pool, the caller holds q.mu.
func (q *Queue) free(i int) {
	bit := uint32(1) << i
	onFree := q.slots[i].onFree

	q.slots[i] = slot{}
	q.pend &^= bit
	q.replied &^= bit
	q.empty |= bit

	if onFree != nil {
		onFree()
	}
}

// FetchPending moves every pending slot to the in-service state and returns
// their indexes. It is called by the secure core when notified.
func (q *Queue) FetchPending() []int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ret []int
	for pend := q.pend; pend != 0; pend &= pend - 1 {
		ret = append(ret, bits.TrailingZeros32(pend))
	}

	q.pend = 0

	return ret
}

// Message returns the request held in an in-service slot. The returned
// message shares its buffers with the non-secure caller.
func (q *Queue) Message(i int) (*types.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.valid(i) || q.state(i) != SlotInService {
		return nil, fmt.Errorf("%w: slot %d is not in service", ErrInvalidParams, i)
	}

	return &q.slots[i].msg, nil
}

// Reply posts the result of an in-service slot and raises the reply
// interrupt towards the non-secure core.
func (q *Queue) Reply(i int, val int32) error {
	q.mu.Lock()

	if !q.valid(i) || q.state(i) != SlotInService {
		q.mu.Unlock()
		return fmt.Errorf("%w: slot %d is not in service", ErrInvalidParams, i)
	}

	q.slots[i].reply.ReturnVal = val
	q.replied |= 1 << i
	irq := q.irq

	q.mu.Unlock()

	if irq != nil {
		irq()
	}

	return nil
}

func (q *Queue) setIRQ(f func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.irq = f
}
