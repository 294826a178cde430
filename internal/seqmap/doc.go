// Package seqmap tracks which replication work is still outstanding so that
// checkpoints only ever cover a contiguous prefix of completed work.
//
// SequenceMap is used when pulling. Remote feed sequences are opaque tokens
// (they may be strings like "12:34" in clustered deployments), so each unit
// of work gets a dense local sequence when it is handed off:
//
//	m := seqmap.New()
//	a := m.AddValue("12")   // 1
//	b := m.AddValue("15")   // 2
//	m.RemoveSequence(b)     // checkpoint unchanged, 1 is still pending
//	m.RemoveSequence(a)     // checkpoint is now "15"
//
// PendingSequences is the push-side equivalent. Local storage sequences are
// already integers, so it only needs a sorted set of in-flight sequences and
// the highest one ever added.
//
// Both types guard a plain struct with a single mutex and are safe for
// concurrent use.
package seqmap
