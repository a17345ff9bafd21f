package mailbox

// HAL is the platform glue between the two cores.
type HAL interface {
	// Init prepares the inter-core channel for q.
	Init(q *Queue) error
	// NotifyPeer signals the secure core that requests are pending.
	NotifyPeer() error
}

// Doorbell is an in-process HAL: notifications are delivered on a channel
// the simulated secure core listens to.
type Doorbell struct {
	ch chan struct{}
}

// Compile-time check which fails if Doorbell doesn't comply with the HAL
// interface.
var _ HAL = (*Doorbell)(nil)

func NewDoorbell() *Doorbell {
	return &Doorbell{
		ch: make(chan struct{}, 1),
	}
}

func (d *Doorbell) Init(q *Queue) error {
	if q == nil {
		return ErrInvalidParams
	}

	return nil
}

// NotifyPeer never blocks: notifications raised while one is already
// outstanding coalesce, the secure core drains every pending slot.
func (d *Doorbell) NotifyPeer() error {
	select {
	case d.ch <- struct{}{}:
	default:
	}

	return nil
}

// Ring is the secure core's view of the doorbell.
func (d *Doorbell) Ring() <-chan struct{} {
	return d.ch
}
