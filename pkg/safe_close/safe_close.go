package safe_close

import (
	"context"
	"sync"
)

// SafeClose tracks a group of service goroutines and lets a caller stop
// them all and wait until they have exited.
//
//  1. Goroutines are started by Attach. They must return once ctx is done.
//  2. Any goroutine can call SendCloseSignal to stop the whole group,
//     e.g. on a fatal error.
//  3. CloseWait sends the close signal and waits. It must not be called
//     from an attached goroutine, otherwise it will be deadlocked.
type SafeClose struct {
	m        sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	closeErr error
}

func NewSafeClose() *SafeClose {
	ctx, cancel := context.WithCancel(context.Background())
	return &SafeClose{ctx: ctx, cancel: cancel}
}

// CloseWait sends a close signal and waits until all attached goroutines
// have returned or ctx is done.
// It is concurrent safe and can be called multiple times.
func (s *SafeClose) CloseWait(ctx context.Context) error {
	s.SendCloseSignal(nil)
	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendCloseSignal sends a close signal. Only the first non-nil err is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()
	if err != nil && s.closeErr == nil && s.ctx.Err() == nil {
		s.closeErr = err
	}
	s.cancel()
}

// Err returns the first SendCloseSignal error.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

// ReceiveCloseSignal returns a channel that is closed once the close signal
// was sent.
func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.ctx.Done()
}

// Closed reports whether the close signal was sent.
func (s *SafeClose) Closed() bool {
	return s.ctx.Err() != nil
}

// Attach runs f in a new goroutine that CloseWait will wait for.
// f receives a ctx that is cancelled by the close signal.
// If s was closed, f will not run and Attach returns false.
func (s *SafeClose) Attach(f func(ctx context.Context)) bool {
	s.m.Lock()
	if s.ctx.Err() != nil {
		s.m.Unlock()
		return false
	}
	s.wg.Add(1)
	s.m.Unlock()

	go func() {
		defer s.wg.Done()
		f(s.ctx)
	}()
	return true
}
