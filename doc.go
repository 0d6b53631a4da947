// Package skein is the communication layer of a distributed graph-training
// framework: a transport-agnostic RPC mechanism that lets worker and server
// processes exchange typed messages with minimal copying.
//
// The unit of exchange is the `Envelope`: a handful of routing scalars, an
// opaque metadata blob, and an ordered list of large binary buffers. skein
// never interprets message contents beyond framing; payload encoding and
// decoding belong to the caller, which hands buffers over as plain byte
// slices.
//
// ## Topology
//
// Each process owns at most one `Sender` and one `Receiver`, reached through
// an explicit `Context` which also carries the process `rank` and the
// per-rank message sequence counter. Peers are identified by small integer
// ids assigned by an external launcher; skein treats them as opaque tags.
//
// A `Sender` registers peers with `AddReceiver`, handshakes all of them at
// once with `Connect`, then fires envelopes at individual peers. A
// `Receiver` binds an address with `Wait`, accepts and validates inbound
// handshakes on a dedicated accept task, and funnels every decoded envelope
// into a single blocking delivery queue drained by `Recv`.
//
// ## Transports
//
// Three interchangeable backends implement the same contract, selected by
// the address scheme:
//
//   - `tcp://` — plain byte-stream sockets with length-prefixed frames.
//     Buffers are copied through the stream. The boring, always-works choice.
//   - `pipe://` — a zero-copy pipe transport over QUIC streams. The metadata
//     blob and each buffer travel as independent segments referencing caller
//     memory on the send side; the receive side allocates buffers after
//     reading a size descriptor, so payload bytes land directly in their
//     final home.
//   - `fabric://` — tagged messaging over libfabric for specialized
//     interconnects. Peers resolve to opaque fabric addresses, every send
//     and receive carries an explicit match tag, and completion is observed
//     by draining a completion queue.
//
// Envelopes sent on one connection arrive in order; nothing is guaranteed
// across different connections. Sends are asynchronous: the backend owns the
// submitted buffers until it signals completion, and callers MUST NOT mutate
// or release them earlier. This contract is documented, not machine-checked.
//
// ## Failure stance
//
// Mid-training communication failures are not locally recoverable, so the
// layer is deliberately strict: configuration mistakes and failed sender
// handshakes panic with a typed error instead of returning it, transient
// resource exhaustion is retried internally and never surfaced, and a
// `Recv` timeout is an ordinary not-ready result. The accepting side of a
// malformed handshake rejects and closes that one connection only.
package skein
