package crdt

import "github.com/google/uuid"

// ActorID identifies one replica (a Room's Document, or a remote peer
// replica in tests) that originates operations. Every operation is stamped
// with the Clock of the actor that created it, giving the op log a stable,
// globally unique identity independent of delivery order.
type ActorID string

// NewActorID returns a fresh, randomly generated actor identifier.
func NewActorID() ActorID {
	return ActorID(uuid.NewString())
}

// Clock is a Lamport-style per-actor sequence number: the Nth operation an
// actor ever produced. (Actor, Seq) pairs are globally unique and totally
// ordered per actor, which is all the tree and map CRDTs below need to
// detect duplicates and establish a deterministic tie-break.
type Clock struct {
	Actor ActorID
	Seq   uint64
}

// Less defines the arbitrary but deterministic tie-break used by last-writer
// -wins registers when two concurrent writes share no causal order: higher
// Seq wins, and Actor breaks ties between equal Seq (which happens whenever
// two distinct actors have each produced the same number of operations).
func (c Clock) Less(o Clock) bool {
	if c.Seq != o.Seq {
		return c.Seq < o.Seq
	}
	return c.Actor < o.Actor
}

// clockSource hands out increasing Clocks for one local actor.
type clockSource struct {
	actor ActorID
	next  uint64
}

func newClockSource(actor ActorID) *clockSource {
	return &clockSource{actor: actor}
}

func (c *clockSource) tick() Clock {
	c.next++
	return Clock{Actor: c.actor, Seq: c.next}
}
