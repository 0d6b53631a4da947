package skein

import (
	"encoding/binary"
	"fmt"
)

// handshakeToken is the fixed sentinel sent as the metadata of the first
// message on every new connection. The accepting side tears down any
// connection whose first message carries anything else.
const handshakeToken = "skeinhello"

// envelopeHeaderSize is the fixed part of the metadata blob:
// serviceID(4) + msgSeq(8) + clientID(4) + serverID(4) + dataLen(8).
const envelopeHeaderSize = 4 + 8 + 4 + 4 + 8

// EncodeEnvelope packs the scalar fields and the data blob of env into a
// single contiguous metadata blob and returns the ordered buffer list
// untouched. Only buffer identities (their byte lengths) are recorded in the
// blob, followed by a 4-byte little-endian trailing count of non-empty
// buffers, so transports can ship the buffers themselves as separate
// zero-copy segments.
func EncodeEnvelope(env *Envelope) (meta []byte, bufs [][]byte, err error) {
	for i, b := range env.Buffers {
		if len(b) == 0 {
			return nil, nil, fmt.Errorf("%w: buffer %d", ErrEmptyBuffer, i)
		}
	}

	n := len(env.Buffers)
	meta = make([]byte, 0, envelopeHeaderSize+len(env.Data)+8*n+4)
	meta = binary.LittleEndian.AppendUint32(meta, uint32(env.ServiceID))
	meta = binary.LittleEndian.AppendUint64(meta, uint64(env.MsgSeq))
	meta = binary.LittleEndian.AppendUint32(meta, uint32(env.ClientID))
	meta = binary.LittleEndian.AppendUint32(meta, uint32(env.ServerID))
	meta = binary.LittleEndian.AppendUint64(meta, uint64(len(env.Data)))
	meta = append(meta, env.Data...)
	for _, b := range env.Buffers {
		meta = binary.LittleEndian.AppendUint64(meta, uint64(len(b)))
	}
	meta = binary.LittleEndian.AppendUint32(meta, uint32(n))
	return meta, env.Buffers, nil
}

// DecodeEnvelope is the inverse of EncodeEnvelope: it unpacks the scalar
// fields and data blob from meta and attaches the supplied buffer contents,
// verifying that their number and byte lengths match what the metadata
// trailer recorded. A nil bufs slice is valid and yields an Envelope with no
// buffers.
func DecodeEnvelope(meta []byte, bufs [][]byte) (*Envelope, error) {
	if len(meta) < envelopeHeaderSize+4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedMeta, len(meta))
	}

	count := int(binary.LittleEndian.Uint32(meta[len(meta)-4:]))
	if count != len(bufs) {
		return nil, fmt.Errorf("%w: trailer records %d, got %d",
			ErrBufferMismatch, count, len(bufs))
	}

	env := &Envelope{}
	env.ServiceID = int32(binary.LittleEndian.Uint32(meta[0:4]))
	env.MsgSeq = int64(binary.LittleEndian.Uint64(meta[4:12]))
	env.ClientID = int32(binary.LittleEndian.Uint32(meta[12:16]))
	env.ServerID = int32(binary.LittleEndian.Uint32(meta[16:20]))

	dataLen := int(binary.LittleEndian.Uint64(meta[20:28]))
	sizesOff := envelopeHeaderSize + dataLen
	if len(meta) != sizesOff+8*count+4 {
		return nil, fmt.Errorf("%w: want %d bytes, have %d",
			ErrTruncatedMeta, sizesOff+8*count+4, len(meta))
	}
	if dataLen > 0 {
		env.Data = make([]byte, dataLen)
		copy(env.Data, meta[envelopeHeaderSize:sizesOff])
	}

	for i := 0; i < count; i++ {
		want := binary.LittleEndian.Uint64(meta[sizesOff+8*i : sizesOff+8*(i+1)])
		if uint64(len(bufs[i])) != want {
			return nil, fmt.Errorf("%w: buffer %d has %d bytes, metadata says %d",
				ErrBufferMismatch, i, len(bufs[i]), want)
		}
	}
	env.Buffers = bufs
	return env, nil
}

// metaBufferSizes extracts the recorded byte length of every buffer from a
// metadata blob, using the trailing count. Transports use it to know how
// many out-of-band segments follow the blob and how large each one is.
func metaBufferSizes(meta []byte) ([]int, error) {
	if len(meta) < envelopeHeaderSize+4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedMeta, len(meta))
	}
	count := int(binary.LittleEndian.Uint32(meta[len(meta)-4:]))
	sizesOff := len(meta) - 4 - 8*count
	if sizesOff < envelopeHeaderSize {
		return nil, fmt.Errorf("%w: trailer records %d buffers", ErrTruncatedMeta, count)
	}
	sizes := make([]int, count)
	for i := range sizes {
		sizes[i] = int(binary.LittleEndian.Uint64(meta[sizesOff+8*i : sizesOff+8*(i+1)]))
	}
	return sizes, nil
}

// handshakeEnvelope returns the envelope every connecting side must send
// first: the token as metadata, no buffers.
func handshakeEnvelope() *Envelope {
	return &Envelope{Data: []byte(handshakeToken)}
}

// isHandshake reports whether env is a well-formed handshake message.
func isHandshake(env *Envelope) bool {
	return len(env.Buffers) == 0 && string(env.Data) == handshakeToken
}
