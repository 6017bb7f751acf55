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

// Binary crashdemo exercises the network stack's crash recovery: it runs
// user threads doing socket work, crashes the stack out from under them,
// and shows the stack coming back for the next round.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"compartnet.dev/compartnet/pkg/eventqueue"
	"compartnet.dev/compartnet/pkg/fault"
	"compartnet.dev/compartnet/pkg/log"
	"compartnet.dev/compartnet/pkg/netstack"
	"compartnet.dev/compartnet/pkg/recovery"
	"compartnet.dev/compartnet/pkg/sockreg"
	"compartnet.dev/compartnet/pkg/thread"
)

var (
	rounds    = flag.Int("rounds", 3, "number of crash-and-recover rounds")
	workers   = flag.Int("workers", 4, "number of user threads")
	netFaults = flag.Bool("net-faults", false, "crash the network thread instead of a user thread")
	debug     = flag.Bool("debug", false, "enable debug logging")
)

// worker runs one user thread's socket workload until its calls start
// failing, then leaves the compartment.
func worker(s *netstack.Stack, tid thread.ID, port uint16) error {
	if err := s.Enter(tid); err != nil {
		return err
	}
	defer s.Exit(tid)

	h, err := s.CreateSocket(tid, sockreg.UDPIPv4, port)
	if err != nil {
		return err
	}
	for {
		if err := s.SendEvent(tid, eventqueue.Event{Kind: eventqueue.Rx, Payload: uint64(port)}); err != nil {
			return err
		}
		if _, err := s.WaitSocketEvents(h, netstack.EventDataReady); err != nil {
			return err
		}
	}
}

// crash takes a corruption fault on tid from outside the compartment's
// normal call paths.
func crash(s *netstack.Stack, tid thread.ID) {
	f := &fault.Frame{ThreadID: tid}
	f.PCC = fault.Capability{Address: 0x80200010, Base: 0x80200000, Length: 0x1000, Tag: true}
	f.SetRegister(fault.CSP, fault.Capability{Address: 0x82000400, Base: 0x82000000, Length: 0x1000, Tag: true})
	s.Context().HandleError(f, fault.CauseCapability,
		fault.EncodeFaultValue(fault.CodeBoundsViolation, fault.CA0))
}

// waitRecovered waits for the crash to take effect (the epoch moving past
// before) and for the stack to finish reinitializing. The injected
// network-thread fault is processed asynchronously, so quiescence alone
// proves nothing until the epoch has moved.
func waitRecovered(s *netstack.Stack, before uint32) {
	for s.Context().Epoch.Load() == before {
		time.Sleep(time.Millisecond)
	}
	for s.Context().State.Load() != recovery.NotRestarting {
		time.Sleep(time.Millisecond)
	}
}

func main() {
	flag.Parse()
	if *debug {
		log.SetLevel(log.Debug)
	}

	s := netstack.New(netstack.Options{})
	s.Start()
	defer s.Stop()

	for round := 0; round < *rounds; round++ {
		log.Infof("Round %d: starting %d workers.", round, *workers)

		var eg errgroup.Group
		for i := 0; i < *workers; i++ {
			tid := s.RegisterThread()
			port := uint16(7000 + i)
			eg.Go(func() error {
				err := worker(s, tid, port)
				log.Infof("Worker on port %d evacuated: %v.", port, err)
				return nil
			})
		}

		// Let the workers get going, then pull the rug.
		time.Sleep(50 * time.Millisecond)
		before := s.Context().Epoch.Load()
		if *netFaults {
			victim := s.RegisterThread()
			if err := s.InjectNetThreadFault(victim); err != nil {
				fmt.Fprintf(os.Stderr, "fault injection failed: %v\n", err)
				os.Exit(1)
			}
		} else {
			victim := s.RegisterThread()
			if err := s.Enter(victim); err != nil {
				fmt.Fprintf(os.Stderr, "victim could not enter: %v\n", err)
				os.Exit(1)
			}
			crash(s, victim)
		}

		eg.Wait()
		waitRecovered(s, before)
		log.Infof("Round %d: stack recovered, epoch is now %d.", round, s.Context().Epoch.Load())
	}

	fmt.Printf("%d rounds complete; %d events handled; final epoch %d\n",
		*rounds, s.EventsHandled(), s.Context().Epoch.Load())
}
