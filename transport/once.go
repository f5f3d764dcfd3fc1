package transport

import "sync"

// once runs a function a single time and hands its error to every caller. A caller arriving
// while the function runs blocks until it returns.
type once struct {
	sync.Mutex

	done chan struct{}
	err  error
}

func newOnce() *once {
	return &once{done: make(chan struct{})}
}

func (o *once) do(f func() error) error {
	o.Lock()
	defer o.Unlock()

	select {
	case <-o.done:
	default:
		o.err = f()
		close(o.done)
	}
	return o.err
}

// isDone reports whether do has completed.
func (o *once) isDone() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}
