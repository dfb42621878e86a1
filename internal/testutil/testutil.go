// Package testutil provides two-participant fixtures and assertions for
// ptlbench unit tests.
//
// A World is a simulated fabric with two attached participants, each with its
// own address space, backend and bootstrap handle. Tests open endpoints on
// the participants, drive them from two goroutines and check the resource
// ledgers afterwards.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//		w := testutil.NewWorld(t)
//		ep0, ep1 := w.OpenPair(t, endpoint.Options{})
//		// Run test...
//		testutil.AssertNoLiveResources(t, ep0)
//	}
package testutil

import (
	"github.com/piwi3910/ptlbench/internal/bootstrap"
	"github.com/piwi3910/ptlbench/internal/mem"
	"github.com/piwi3910/ptlbench/internal/transport/portals"
)

// Participant is one side of a World.
type Participant struct {
	Space   *mem.Space
	Backend *portals.SimulatedBackend
	Comm    bootstrap.Comm
}

// Rank returns the participant's bootstrap rank.
func (p *Participant) Rank() int {
	return p.Comm.Rank()
}
