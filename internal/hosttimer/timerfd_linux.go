//go:build linux

package hosttimer

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

const (
	fdTimerArmed uint32 = iota
	fdTimerFiring
	fdTimerStopped
)

type timerfdService struct{}

// NewTimerfdService returns a Service that arms an absolute CLOCK_MONOTONIC
// timerfd per deadline. Deadlines must come from MonotonicClock.
func NewTimerfdService() (Service, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("hosttimer: timerfd_create: %w", err)
	}
	unix.Close(fd)
	return timerfdService{}, nil
}

// Arm implements Service.
func (timerfdService) Arm(deadline int64, cb func()) (Handle, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("hosttimer: timerfd_create: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(tfd)
		return nil, fmt.Errorf("hosttimer: eventfd: %w", err)
	}

	// A zero it_value disarms the timer, so clamp past deadlines to 1ns.
	if deadline <= 0 {
		deadline = 1
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(deadline)}
	if err := unix.TimerfdSettime(tfd, unix.TFD_TIMER_ABSTIME, &spec, nil); err != nil {
		unix.Close(tfd)
		unix.Close(efd)
		return nil, fmt.Errorf("hosttimer: timerfd_settime: %w", err)
	}

	h := &fdHandle{
		tfd:  tfd,
		efd:  efd,
		cb:   cb,
		done: make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

type fdHandle struct {
	tfd, efd int
	cb       func()
	state    atomicbitops.Uint32
	done     chan struct{}

	// mu orders Stop's eventfd write against the waiter closing the fds,
	// so a stale Stop never writes to a reused descriptor.
	mu     sync.Mutex
	closed bool
}

func (h *fdHandle) closeFDs() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	unix.Close(h.tfd)
	unix.Close(h.efd)
}

func (h *fdHandle) wait() {
	defer close(h.done)
	defer h.closeFDs()
	// A poll failure means the callback can no longer run.
	defer h.state.CompareAndSwap(fdTimerArmed, fdTimerStopped)

	fds := []unix.PollFd{
		{Fd: int32(h.tfd), Events: unix.POLLIN},
		{Fd: int32(h.efd), Events: unix.POLLIN},
	}
	for {
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if fds[1].Revents != 0 {
			return
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		var buf [8]byte
		if _, err := unix.Read(h.tfd, buf[:]); err == unix.EAGAIN {
			continue
		}
		if h.state.CompareAndSwap(fdTimerArmed, fdTimerFiring) {
			h.cb()
		}
		return
	}
}

// Stop implements Handle.
func (h *fdHandle) Stop() bool {
	if !h.state.CompareAndSwap(fdTimerArmed, fdTimerStopped) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return true
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(h.efd, buf[:]); err != nil {
		// Without the eventfd, expire the timerfd now; the waiter sees the
		// stopped state and exits without running the callback.
		spec := unix.ItimerSpec{Value: unix.NsecToTimespec(1)}
		unix.TimerfdSettime(h.tfd, 0, &spec, nil)
	}
	return true
}

// Done implements Handle.
func (h *fdHandle) Done() <-chan struct{} { return h.done }

var (
	_ Service = timerfdService{}
	_ Handle  = (*fdHandle)(nil)
)
