// Copyright 2025 The Compartnet Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package netstack provides a restartable network stack compartment built
// around the recovery subsystem.
//
// The stack runs a single privileged network thread that owns the event
// loop; arbitrary user threads call in to create and use sockets. A
// corruption fault anywhere inside the compartment triggers an
// orchestrated reset that evacuates every user thread, tears down all
// socket state, and restarts the network thread from a clean slate. User
// threads observe the reset only as failed calls; socket handles created
// before the reset are invalidated by the epoch advance.
package netstack

import (
	"errors"
	"time"

	"compartnet.dev/compartnet/pkg/atomicbitops"
	"compartnet.dev/compartnet/pkg/eventgroup"
	"compartnet.dev/compartnet/pkg/eventqueue"
	"compartnet.dev/compartnet/pkg/fault"
	"compartnet.dev/compartnet/pkg/flaglock"
	"compartnet.dev/compartnet/pkg/heap"
	"compartnet.dev/compartnet/pkg/log"
	"compartnet.dev/compartnet/pkg/recovery"
	"compartnet.dev/compartnet/pkg/sockreg"
	"compartnet.dev/compartnet/pkg/thread"
)

// Errors returned to user threads. A reset is never reported as such;
// callers only see their call fail.
var (
	// ErrRestarting indicates the compartment refused entry because a
	// reset is in flight.
	ErrRestarting = errors.New("network stack is restarting")

	// ErrAborted indicates the call was aborted mid-flight.
	ErrAborted = errors.New("operation aborted")

	// ErrInvalidHandle indicates a corrupted or stale socket handle.
	ErrInvalidHandle = errors.New("invalid socket handle")
)

// Socket event bits.
const (
	// EventDataReady indicates received data is available.
	EventDataReady eventgroup.Bits = 1 << iota

	// EventWritable indicates transmit space is available.
	EventWritable
)

// faultEvent is an in-band poison event: processing it makes the network
// thread take a synthetic corruption fault. Used to exercise the recovery
// path end to end.
const faultEvent eventqueue.Kind = 0xff

// socketSize is the heap charge for one socket record.
const socketSize = 256

// firstEphemeralPort is where local port allocation starts.
const firstEphemeralPort = 49152

// Options configures a Stack.
type Options struct {
	// HeapQuota is the compartment allocator's quota in bytes. Zero means
	// a default of 1 MiB.
	HeapQuota uint64

	// QueueCapacity is the network event queue's capacity. Zero means a
	// default of 32.
	QueueCapacity int

	// DrainInterval overrides the reset drain-loop sleep interval.
	DrainInterval time.Duration
}

// Handle is a sealed reference to a socket. It can be validated but not
// inspected by holders; every use is checked against the record's
// validity tag and the current socket epoch.
type Handle struct {
	sock  *sockreg.Socket
	epoch uint32
}

// Stack is a restartable network stack compartment. Use New to create
// one, then Start to launch the network thread.
type Stack struct {
	opts  Options
	ctx   *recovery.Context
	arena *heap.Arena

	threads  thread.IDAllocator
	netTID   thread.ID
	nextPort atomicbitops.Uint32

	stopping atomicbitops.Uint32
	started  chan struct{}

	// eventsHandled counts events processed by the network thread across
	// all of its incarnations.
	eventsHandled atomicbitops.Int32
}

// New creates a stack. The network thread is not running until Start.
func New(opts Options) *Stack {
	if opts.HeapQuota == 0 {
		opts.HeapQuota = 1 << 20
	}
	if opts.QueueCapacity == 0 {
		opts.QueueCapacity = 32
	}
	s := &Stack{
		opts:     opts,
		arena:    heap.New(opts.HeapQuota),
		nextPort: atomicbitops.FromUint32(firstEphemeralPort),
		started:  make(chan struct{}),
	}
	s.netTID = s.threads.Allocate()
	s.ctx = &recovery.Context{
		Registry:        &sockreg.Registry{},
		CriticalSection: &flaglock.RecursiveLock{},
		Suspend:         &flaglock.RecursiveLock{},
		StartupGate:     &flaglock.FlagLock{},
		Heap:            s.arena,
		NetThreadID:     s.netTID,
		NetThreadEntry: fault.Capability{
			Address: 0x80100000, Base: 0x80100000, Length: 0x1000, Tag: true,
		},
		RestartStack:  s.restartStack,
		DrainInterval: opts.DrainInterval,
	}
	s.ctx.Queue.Store(eventqueue.New(opts.QueueCapacity))
	return s
}

// Context returns the stack's recovery context. The host trap-dispatch
// mechanism delivers faults through it.
func (s *Stack) Context() *recovery.Context {
	return s.ctx
}

// Start launches the network thread and returns once it has completed its
// first initialization.
func (s *Stack) Start() {
	go s.netThreadEntry()
	<-s.started
}

// Stop terminates the network thread. For orderly teardown only; it does
// not evacuate user threads.
func (s *Stack) Stop() {
	s.stopping.Store(1)
	s.ctx.Queue.Load().Destroy(s.netTID)
}

// RegisterThread assigns an identity to a new user thread.
func (s *Stack) RegisterThread() thread.ID {
	return s.threads.Allocate()
}

// Enter records tid entering the compartment. Callers bracket every
// sequence of socket operations with Enter and Exit. Entry is refused
// while a reset is in flight.
func (s *Stack) Enter(tid thread.ID) error {
	if s.ctx.State.Load() != recovery.NotRestarting {
		return ErrRestarting
	}
	s.ctx.UserThreads.Add(1)
	return nil
}

// Exit records tid leaving the compartment. A thread whose call was
// terminated by the fault handler must not call Exit: the handler already
// adjusted the count.
func (s *Stack) Exit(tid thread.ID) {
	s.ctx.UserThreads.Add(-1)
}

// CreateSocket creates a socket bound to localPort (zero selects an
// ephemeral port) and returns its sealed handle, stamped with the current
// epoch. The caller must have entered the compartment.
//
// The registry lock is held across the whole create-and-bind sequence,
// not just the list insertion, to keep error handling in one place.
func (s *Stack) CreateSocket(tid thread.ID, proto sockreg.Protocol, localPort uint16) (Handle, error) {
	mem := s.arena.Alloc(socketSize)

	if !s.ctx.Registry.Lock.Lock(tid) {
		s.arena.Free(mem)
		return Handle{}, ErrAborted
	}
	if localPort == 0 {
		localPort = uint16(s.nextPort.Add(1))
	}
	epoch := s.ctx.Epoch.Load()
	sock := sockreg.NewSocket(sockreg.Kind{Protocol: proto, LocalPort: localPort}, epoch, mem)
	s.ctx.Registry.InsertLocked(sock)
	s.ctx.Registry.Lock.Unlock()

	return Handle{sock: sock, epoch: epoch}, nil
}

// CloseSocket closes the socket, removing it from the registry and
// releasing its backing memory.
func (s *Stack) CloseSocket(tid thread.ID, h Handle) error {
	if err := s.check(h); err != nil {
		return err
	}
	if !s.ctx.Registry.Remove(tid, h.sock) {
		return ErrAborted
	}
	// Revoke before releasing anything so that a racing handle check fails
	// rather than observing a half-destroyed record.
	h.sock.Revoke()
	h.sock.Events.ForceDestroy()
	s.arena.Free(h.sock.Mem)
	return nil
}

// SocketKind returns the socket's protocol and local port.
func (s *Stack) SocketKind(h Handle) (sockreg.Kind, error) {
	if err := s.check(h); err != nil {
		return sockreg.Kind{Protocol: sockreg.Invalid}, err
	}
	return h.sock.Kind, nil
}

// WaitSocketEvents blocks until one of the requested event bits is
// signalled on the socket. Returns ErrAborted if the socket's event group
// is destroyed while waiting, as happens during a reset.
func (s *Stack) WaitSocketEvents(h Handle, mask eventgroup.Bits) (eventgroup.Bits, error) {
	if err := s.check(h); err != nil {
		return 0, err
	}
	bits, err := h.sock.Events.Wait(mask, false)
	if err != nil {
		return 0, ErrAborted
	}
	return bits, nil
}

// SendEvent delivers a network event to the network thread on behalf of
// tid.
func (s *Stack) SendEvent(tid thread.ID, ev eventqueue.Event) error {
	if err := s.ctx.Queue.Load().Send(tid, ev); err != nil {
		return ErrAborted
	}
	return nil
}

// InjectNetThreadFault makes the network thread take a synthetic
// corruption fault while processing its event loop. For crash testing.
func (s *Stack) InjectNetThreadFault(tid thread.ID) error {
	return s.SendEvent(tid, eventqueue.Event{Kind: faultEvent})
}

// EventsHandled returns the number of events the network thread has
// processed across all incarnations.
func (s *Stack) EventsHandled() int32 {
	return s.eventsHandled.Load()
}

// check validates a sealed handle: the record must carry an intact tag
// and checksum, and its epoch must match the current socket epoch.
func (s *Stack) check(h Handle) error {
	if h.sock == nil || !h.sock.Valid() {
		return ErrInvalidHandle
	}
	if h.epoch != s.ctx.Epoch.Load() || h.sock.Epoch != h.epoch {
		return ErrInvalidHandle
	}
	return nil
}

// restartStack resets startup state. Called by the reset orchestrator
// once the compartment is quiescent; the heavy lifting happens in the
// network thread when it re-enters netThreadEntry's initialization.
func (s *Stack) restartStack() {
	log.Infof("Restart requested; startup state reset.")
}

// kickPollInterval is how often the parked network thread re-checks the
// restart state while waiting to be kicked.
const kickPollInterval = time.Millisecond

// netThreadEntry is the network thread's top-level routine. Each loop
// iteration is one incarnation of the thread: initialization followed by
// the event loop. A reset lands the thread back at the top, either by
// context reinstall (the network thread itself crashed) or by waking it
// from the destroyed event queue.
func (s *Stack) netThreadEntry() {
	tid := s.netTID
	for {
		// Let an evacuating user thread waiting on the startup gate
		// through, then hold the gate for the life of this incarnation.
		s.ctx.StartupGate.Unlock()

		if s.stopping.Load() != 0 {
			return
		}

		// If a reset is in flight, initialization must wait until the
		// orchestrator finishes reclaiming and kicks us.
		for st := s.ctx.State.Load(); st&recovery.Restarting != 0 && st&recovery.NetThreadKicked == 0; st = s.ctx.State.Load() {
			time.Sleep(kickPollInterval)
		}

		s.ctx.StartupGate.Lock(tid)
		q := eventqueue.New(s.opts.QueueCapacity)
		s.ctx.Queue.Store(q)

		// Terminal transition of the restart state machine: the stack is
		// initialized and open for business again.
		s.ctx.State.Clear()
		log.Infof("Network thread initialized.")
		select {
		case <-s.started:
		default:
			close(s.started)
		}

		for {
			ev, err := q.Receive(tid)
			if err != nil {
				// The queue only dies when the stack is being reset or
				// stopped.
				break
			}
			if behaviour, faulted := s.dispatchEvent(ev); faulted && behaviour == recovery.ResumeModified {
				// Context reinstalled at the entry routine.
				break
			}
		}

		if s.stopping.Load() != 0 {
			return
		}
	}
}

// dispatchEvent processes one network event. For a poison event it takes
// a synthetic corruption fault and reports the handler's decision.
func (s *Stack) dispatchEvent(ev eventqueue.Event) (recovery.Behaviour, bool) {
	if ev.Kind == faultEvent {
		frame := s.netThreadFrame()
		behaviour := s.ctx.HandleError(frame, fault.CauseCapability,
			fault.EncodeFaultValue(fault.CodeBoundsViolation, fault.CS0))
		return behaviour, true
	}

	s.eventsHandled.Add(1)
	switch ev.Kind {
	case eventqueue.Rx:
		s.signalPort(uint16(ev.Payload), EventDataReady)
	case eventqueue.Tx:
		s.signalPort(uint16(ev.Payload), EventWritable)
	default:
		// Bind/Close/Tick need no work in this stack.
	}
	return recovery.Resume, false
}

// signalPort signals event bits on the socket bound to port, if any.
func (s *Stack) signalPort(port uint16, bits eventgroup.Bits) {
	if !s.ctx.Registry.Lock.Lock(s.netTID) {
		return
	}
	defer s.ctx.Registry.Lock.Unlock()
	s.ctx.Registry.ForEachLocked(func(sock *sockreg.Socket) {
		if sock.Valid() && sock.Kind.LocalPort == port {
			sock.Events.Set(bits)
		}
	})
}

// netThreadFrame builds the captured frame for a fault taken on the
// network thread.
func (s *Stack) netThreadFrame() *fault.Frame {
	f := &fault.Frame{ThreadID: s.netTID}
	f.PCC = fault.Capability{Address: 0x80100040, Base: 0x80100000, Length: 0x1000, Tag: true}
	f.SetRegister(fault.CSP, fault.Capability{Address: 0x81000800, Base: 0x81000000, Length: 0x1000, Tag: true})
	f.SetRegister(fault.CRA, fault.Capability{Address: 0x80100020, Base: 0x80100000, Length: 0x1000, Tag: true})
	return f
}
