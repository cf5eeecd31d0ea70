// Package proxy multiplexes many lightweight client connections onto a
// small, fixed number of upstream NNTP sessions.
//
// Clients speak a null-terminated JSON protocol. Every request is an
// envelope naming a command and its arguments:
//
//	{"CMD": "GETGROUPS", "ARG": {"prefix": "alt.binaries.*"}}\x00
//
// and every response reports a status and a payload:
//
//	{"RSP": "OK", "ARG": [...]}\x00
//	{"RSP": "NO", "ARG": "Unknown Command: FOO"}\x00
//
// # Architecture
//
//	acceptor ──┐
//	reader 1 ──┼─ events ─→ loop ─→ Dispatcher ─→ Session ─→ Backend (nntp.Client)
//	reader N ──┘              │
//	                          └─→ chunked writes back to each client
//
// Every accepted socket is admitted against the session ceiling and bound
// to one freshly opened Backend for its whole life. A single loop goroutine
// owns the Registry, the Sessions and the admission count. The acceptor and
// the per-connection readers only block in Accept and Read and hand their
// results to the loop, one chunk at a time.
//
// Within a connection requests are answered strictly in arrival order.
// Dispatch is synchronous, so a slow upstream call delays every other
// connection until it returns.
//
// # Failure handling
//
// Malformed messages, unknown commands and upstream errors produce a NO
// response and leave the connection open. Read and write failures, idle
// timeouts and an oversized undelimited buffer tear the connection down,
// which closes its socket and its upstream session and frees its slot. A
// panic in the loop shuts the whole server down and is returned by Serve.
package proxy
