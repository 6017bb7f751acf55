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

// Package sockreg tracks the compartment's live sealed sockets.
//
// Every socket created inside the compartment is recorded in a Registry so
// that a stack reset can find and tear down the synchronization state of
// all of them. Records are validated redundantly (a tag plus a checksum
// over the record's identity) so the reset path can walk a registry whose
// individual records may be corrupted without dereferencing garbage.
package sockreg

import (
	"hash/crc32"

	"compartnet.dev/compartnet/pkg/atomicbitops"
	"compartnet.dev/compartnet/pkg/eventgroup"
	"compartnet.dev/compartnet/pkg/flaglock"
	"compartnet.dev/compartnet/pkg/heap"
	"compartnet.dev/compartnet/pkg/ilist"
)

// Protocol identifies a socket's transport/network protocol pair.
type Protocol uint8

// Socket protocols.
const (
	// TCPIPv4 is TCP over IPv4.
	TCPIPv4 Protocol = iota

	// UDPIPv4 is UDP over IPv4.
	UDPIPv4

	// TCPIPv6 is TCP over IPv6.
	TCPIPv6

	// UDPIPv6 is UDP over IPv6.
	UDPIPv6

	// Invalid is an invalid socket.
	Invalid
)

func (p Protocol) String() string {
	switch p {
	case TCPIPv4:
		return "TCP/IPv4"
	case UDPIPv4:
		return "UDP/IPv4"
	case TCPIPv6:
		return "TCP/IPv6"
	case UDPIPv6:
		return "UDP/IPv6"
	default:
		return "invalid"
	}
}

// Kind describes a socket: its protocol and local port, in host byte
// order.
type Kind struct {
	Protocol  Protocol
	LocalPort uint16
}

// Socket is a live sealed-socket record. It owns the lock governing the
// socket's protocol-level state and the event group threads park on while
// waiting for socket events. The backing memory belongs to the heap
// allocation made at creation time; the registry holds only list
// membership.
type Socket struct {
	ilist.Entry

	// Lock guards the socket's protocol-level state.
	Lock flaglock.FlagLock

	// Events is the socket's event notification primitive.
	Events *eventgroup.Group

	// Epoch is the socket epoch current when the socket was created.
	// Handles stamped with an older epoch fail validity checks.
	Epoch uint32

	// Kind describes the socket. Immutable after creation.
	Kind Kind

	// Mem is the socket's backing allocation.
	Mem *heap.Allocation

	// tag models the record's capability validity tag; zero means valid.
	tag atomicbitops.Uint32

	// checksum is computed over the record's identity at creation and
	// revalidated before the record is trusted.
	checksum uint32
}

// NewSocket creates a socket record stamped with the given epoch.
func NewSocket(kind Kind, epoch uint32, mem *heap.Allocation) *Socket {
	s := &Socket{
		Events: &eventgroup.Group{},
		Epoch:  epoch,
		Kind:   kind,
		Mem:    mem,
	}
	s.checksum = s.identitySum()
	return s
}

// Valid reports whether the record can be trusted: its tag is intact and
// its identity checksum still matches.
func (s *Socket) Valid() bool {
	return s.tag.Load() == 0 && s.checksum == s.identitySum()
}

// Revoke clears the record's validity tag so that no handle can name the
// socket again. A socket is revoked when it is closed, before its backing
// memory is released.
func (s *Socket) Revoke() {
	s.tag.Store(1)
}

// Corrupt invalidates the record's tag. For tests exercising recovery from
// partially corrupted registries.
func (s *Socket) Corrupt() {
	s.tag.Store(1)
}

// identitySum checksums the record's immutable identity.
func (s *Socket) identitySum() uint32 {
	var buf [7]byte
	buf[0] = byte(s.Kind.Protocol)
	buf[1] = byte(s.Kind.LocalPort)
	buf[2] = byte(s.Kind.LocalPort >> 8)
	buf[3] = byte(s.Epoch)
	buf[4] = byte(s.Epoch >> 8)
	buf[5] = byte(s.Epoch >> 16)
	buf[6] = byte(s.Epoch >> 24)
	return crc32.ChecksumIEEE(buf[:])
}
