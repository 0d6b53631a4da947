package skein

// Envelope is the unit of RPC payload: routing scalars, an opaque data blob,
// and an ordered list of large binary buffers.
//
// The scalar ids are assigned externally and never interpreted here:
// ServiceID routes the payload to a handler after Recv, MsgSeq is unique
// only within the sending rank, ClientID and ServerID name logical
// endpoints, not transport addresses.
//
// Envelopes are value types. Once an Envelope is handed to a transport the
// backend owns every buffer until it signals completion; the caller must not
// mutate or release them earlier. Buffer order is significant and preserved
// end to end.
type Envelope struct {
	ServiceID int32
	MsgSeq    int64
	ClientID  int32
	ServerID  int32

	// Data is the opaque metadata blob. It is copied through the wire
	// alongside the scalars, unlike Buffers.
	Data []byte

	// Buffers are transmitted out-of-band as independent segments.
	// A zero-length buffer is rejected at encode time: transports cannot
	// distinguish "no buffer" from "empty buffer" reliably.
	Buffers [][]byte
}
