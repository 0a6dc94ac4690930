/* Package ringkv implements a fault-tolerant, concurrency-safe distributed
hash table built on the Pastry routing protocol.

Self-Organising Storage

ringkv makes a variable number of in-process Nodes self-organise into a
ring, route lookups by shared ID prefix, and store multidimensional,
text-bearing records on whichever Node is numerically closest to a given
key. Each Node keeps a KD-Tree of the records it owns and an LSH index
over their reviews, so that a lookup can both range-query the points and
rank the surviving reviews by similarity.

Getting Started

A Coordinator hosts the registry of live Nodes and hands out ports. The
first Node to join becomes the bootstrap of an empty ring; every
subsequent Node joins through any already-running Node.

	coord := ringkv.NewCoordinator(ringkv.DefaultConfig())
	first, err := coord.Bootstrap(mustID("4b19"), 0.11)
	if err != nil {
		panic(err)
	}
	second, err := coord.Join(mustID("a3f1"), 0.82, first.ID())
	if err != nil {
		panic(err)
	}
	resp, err := first.Insert(mustID("c0ff"), ringkv.Point{Year: 2019, Rating: 92, Price: 5}, "great cup", "XX")

Credentials, replication, and cross-process transport are explicitly out
of scope; every Node in a ring lives in the same process and talks over
loopback sockets.
*/
package ringkv
