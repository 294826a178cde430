// Package changes consumes a remote database's _changes feed.
//
// A Tracker keeps one logical connection to the feed and hands every parsed
// entry to its Client. Four modes are supported:
//
//   - OneShot: a single feed=normal request; the tracker stops afterwards.
//   - LongPoll: a feed=normal catch-up, then repeated feed=longpoll requests
//     that block on the server until something changes or the heartbeat
//     expires.
//   - Continuous: a feed=normal catch-up, then one feed=continuous
//     connection streaming newline-delimited entries.
//   - WebSocket: a feed=websocket connection. The options are sent as the
//     first message; the server answers with JSON arrays of entries (gzip
//     compressed in binary frames) and an empty array once caught up.
//
// Responses are parsed incrementally: each entry is dispatched as soon as it
// has been decoded, through a buffered queue drained by a separate goroutine
// so the network read loop never waits on the client. A client that blocks
// in ChangeTrackerReceivedChange eventually stalls the read loop too, which
// is how the puller applies backpressure.
//
// Failures are classified by the retry package: transient errors back off
// and reconnect with the same mode, connectivity errors and permanent errors
// stop the tracker and are reported through ChangeTrackerStopped.
//
// Sequence values are opaque: a numeric seq and a string seq such as "*:12"
// are both kept as text and echoed back verbatim in since=.
package changes
