// Package message defines the OKBOOT message catalogue: the stable numeric
// type codes from spec.md §6 and the CBOR-encoded payload for each kind.
//
// CBOR (github.com/fxamacker/cbor/v2) is used for the payload encoding,
// matching the wire codec the rest of this codebase's UART messages already
// use before handing them to the frame sender. CBOR satisfies spec.md §3's
// requirement of a "self-describing, length-prefixed, variable-integer-
// friendly encoding" exactly: both ends only need to agree on the struct
// shape, not on a bespoke varint scheme.
package message

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrInvalidType is returned by Decode when given a type code with no known
// payload shape.
var ErrInvalidType = errors.New("message: unknown message type")

// Type is the wire message-type code. Exact values are compatibility
// critical (spec.md §6).
type Type uint32

// Canonical message-type codes.
const (
	TypePrintString Type = 0x01

	TypeProbe           Type = 0x02
	TypeAllowedVersions Type = 0x03
	TypeUseVersion      Type = 0x04

	TypeRequestProgramInfo Type = 0x10
	TypeProgramInfo        Type = 0x11
	TypeRequestProgram     Type = 0x12
	TypeProgramReady       Type = 0x13
	TypeRequestChunk       Type = 0x14
	TypeChunk              Type = 0x15
	TypeBooting            Type = 0x16

	TypeMetadata       Type = 0x20
	TypeMetadataReq    Type = 0x21
	TypeMetadataAck    Type = 0x22
	TypeMetadataAckAck Type = 0x23
)

// IsKnown reports whether t is one of the catalogue's defined message
// types. The frame layer uses this to reject a corrupt or alien header
// before bothering to accumulate a payload for it.
func IsKnown(t Type) bool {
	_, ok := typeNames[t]
	return ok
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%#04x)", uint32(t))
}

var typeNames = map[Type]string{
	TypePrintString:        "PrintString",
	TypeProbe:              "Probe",
	TypeAllowedVersions:    "AllowedVersions",
	TypeUseVersion:         "UseVersion",
	TypeRequestProgramInfo: "RequestProgramInfo",
	TypeProgramInfo:        "ProgramInfo",
	TypeRequestProgram:     "RequestProgram",
	TypeProgramReady:       "ProgramReady",
	TypeRequestChunk:       "RequestChunk",
	TypeChunk:              "Chunk",
	TypeBooting:            "Booting",
	TypeMetadata:           "Metadata",
	TypeMetadataReq:        "MetadataReq",
	TypeMetadataAck:        "MetadataAck",
	TypeMetadataAckAck:     "MetadataAckAck",
}

// Message is any payload that knows its own wire type.
type Message interface {
	MsgType() Type
}

// --- Utility -----------------------------------------------------------

// PrintString is a diagnostic message either end may send at any time.
type PrintString struct {
	Text string `cbor:"text"`
}

func (PrintString) MsgType() Type { return TypePrintString }

// --- Handshake -----------------------------------------------------------

// Probe is sent host->device to begin the handshake.
type Probe struct{}

func (Probe) MsgType() Type { return TypeProbe }

// AllowedVersions is the device's reply to Probe: every protocol version
// and baud rate it supports.
type AllowedVersions struct {
	Versions []uint32 `cbor:"versions"`
	Bauds    []uint32 `cbor:"bauds"`
}

func (AllowedVersions) MsgType() Type { return TypeAllowedVersions }

// UseVersion is the host's choice of protocol version and baud rate.
type UseVersion struct {
	Version uint32 `cbor:"version"`
	Baud    uint32 `cbor:"baud"`
}

func (UseVersion) MsgType() Type { return TypeUseVersion }

// --- Transfer v1 (flat binary) -------------------------------------------

// RequestProgramInfo is sent device->host to begin the transfer phase.
type RequestProgramInfo struct{}

func (RequestProgramInfo) MsgType() Type { return TypeRequestProgramInfo }

// ProgramInfo describes the image the host intends to send.
type ProgramInfo struct {
	LoadAt          uint32 `cbor:"load_at"`
	CompressedLen   uint32 `cbor:"compressed_len"`
	DecompressedLen uint32 `cbor:"decompressed_len"`
	CompressedCRC   uint32 `cbor:"compressed_crc"`
	DecompressedCRC uint32 `cbor:"decompressed_crc"`
}

func (ProgramInfo) MsgType() Type { return TypeProgramInfo }

// RequestProgram asks the host to begin chunked transfer, echoing back both
// CRCs as a sanity check against transcription errors in ProgramInfo.
type RequestProgram struct {
	ChunkSize             uint32 `cbor:"chunk_size"`
	VerifyCompressedCRC   uint32 `cbor:"verify_compressed_crc"`
	VerifyDecompressedCRC uint32 `cbor:"verify_decompressed_crc"`
}

func (RequestProgram) MsgType() Type { return TypeRequestProgram }

// ProgramReady acknowledges RequestProgram; the device then starts
// requesting chunks.
type ProgramReady struct{}

func (ProgramReady) MsgType() Type { return TypeProgramReady }

// RequestChunk asks for a specific chunk by index.
type RequestChunk struct {
	ChunkNo uint32 `cbor:"chunk_no"`
}

func (RequestChunk) MsgType() Type { return TypeRequestChunk }

// Chunk carries chunk_size bytes (or fewer, for the final chunk) of the
// (possibly compressed) image.
type Chunk struct {
	ChunkNo uint32 `cbor:"chunk_no"`
	Data    []byte `cbor:"data"`
}

func (Chunk) MsgType() Type { return TypeChunk }

// Booting is sent device->host immediately before control transfer.
type Booting struct{}

func (Booting) MsgType() Type { return TypeBooting }

// --- Transfer v2 (streamed deflate) --------------------------------------

// Format discriminates the image format described by a Metadata message.
type Format uint8

const (
	// FormatFlat is a flat binary with an explicit load address.
	FormatFlat Format = 0
	// FormatELF lets the device derive load addresses from ELF segment
	// headers (see pkg/transfer's elfLoader).
	FormatELF Format = 1
)

// Metadata is the v2 replacement for RequestProgramInfo/ProgramInfo (see
// spec.md §9's resolved open question): it additionally carries a format
// descriptor so the device can vet parameters before committing storage.
type Metadata struct {
	Format          Format `cbor:"format"`
	LoadAt          uint32 `cbor:"load_at,omitempty"` // meaningful for FormatFlat only
	CompressedLen   uint32 `cbor:"compressed_len"`
	DecompressedLen uint32 `cbor:"decompressed_len"`
	CompressedCRC   uint32 `cbor:"compressed_crc"`
	DecompressedCRC uint32 `cbor:"decompressed_crc"`
}

func (Metadata) MsgType() Type { return TypeMetadata }

// MetadataReq is the device->host request that precedes Metadata.
type MetadataReq struct{}

func (MetadataReq) MsgType() Type { return TypeMetadataReq }

// MetadataAck is the device's acceptance (or rejection) of a Metadata
// descriptor, carrying the negotiated chunk size on acceptance.
type MetadataAck struct {
	Accepted  bool   `cbor:"accepted"`
	ChunkSize uint32 `cbor:"chunk_size"`
}

func (MetadataAck) MsgType() Type { return TypeMetadataAck }

// MetadataAckAck is the host's final handshake step before streaming
// chunks begin.
type MetadataAckAck struct{}

func (MetadataAckAck) MsgType() Type { return TypeMetadataAckAck }

// --- Encode/Decode --------------------------------------------------------

// Encode CBOR-marshals msg's payload. The wire type code itself is carried
// in the frame header (pkg/frame), not in this payload. Messages without
// fields encode to an empty payload, which Decode maps back to the zero
// value.
func Encode(msg Message) ([]byte, error) {
	switch msg.(type) {
	case Probe, RequestProgramInfo, ProgramReady, Booting, MetadataReq, MetadataAckAck:
		return nil, nil
	}
	b, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("message: encode %s: %w", msg.MsgType(), err)
	}
	return b, nil
}

// Decode parses payload according to t, returning the concrete Message.
func Decode(t Type, payload []byte) (Message, error) {
	var msg Message
	switch t {
	case TypePrintString:
		msg = &PrintString{}
	case TypeProbe:
		msg = &Probe{}
	case TypeAllowedVersions:
		msg = &AllowedVersions{}
	case TypeUseVersion:
		msg = &UseVersion{}
	case TypeRequestProgramInfo:
		msg = &RequestProgramInfo{}
	case TypeProgramInfo:
		msg = &ProgramInfo{}
	case TypeRequestProgram:
		msg = &RequestProgram{}
	case TypeProgramReady:
		msg = &ProgramReady{}
	case TypeRequestChunk:
		msg = &RequestChunk{}
	case TypeChunk:
		msg = &Chunk{}
	case TypeBooting:
		msg = &Booting{}
	case TypeMetadata:
		msg = &Metadata{}
	case TypeMetadataReq:
		msg = &MetadataReq{}
	case TypeMetadataAck:
		msg = &MetadataAck{}
	case TypeMetadataAckAck:
		msg = &MetadataAckAck{}
	default:
		return nil, fmt.Errorf("message: %w: %#x", ErrInvalidType, uint32(t))
	}
	if len(payload) > 0 {
		if err := cbor.Unmarshal(payload, msg); err != nil {
			return nil, fmt.Errorf("message: decode %s: %w", t, err)
		}
	}
	return derefMessage(msg), nil
}

// derefMessage turns the pointer Decode constructs into the same value type
// exposed by the exported structs above (callers mostly use type switches
// on value types, matching the message catalogue's constructors).
func derefMessage(msg Message) Message {
	switch m := msg.(type) {
	case *PrintString:
		return *m
	case *Probe:
		return *m
	case *AllowedVersions:
		return *m
	case *UseVersion:
		return *m
	case *RequestProgramInfo:
		return *m
	case *ProgramInfo:
		return *m
	case *RequestProgram:
		return *m
	case *ProgramReady:
		return *m
	case *RequestChunk:
		return *m
	case *Chunk:
		return *m
	case *Booting:
		return *m
	case *Metadata:
		return *m
	case *MetadataReq:
		return *m
	case *MetadataAck:
		return *m
	case *MetadataAckAck:
		return *m
	default:
		return msg
	}
}
