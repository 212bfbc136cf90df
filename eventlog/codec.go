package eventlog

import (
	"encoding/binary"
	"fmt"

	"github.com/sockaudit/sockaudit/types"
)

// Records are stored back to back in the arena, every one padded to
// recordAlign so the header of the next record starts aligned. A stored
// total length of zero is the wraparound marker, never a real record.
const (
	recordAlign = 8
	headerSize  = 48
)

// header layout (little-endian):
//
//	0  TotalLen uint32
//	4  Kind     uint32
//	8  UnixNano int64
//	16 PID      uint32
//	20 UID      uint32
//	24 GID      uint32
//	28 Comm     [16]byte
//	44 pad      [4]byte
const (
	offTotalLen = 0
	offKind     = 4
	offTime     = 8
	offPID      = 16
	offUID      = 20
	offGID      = 24
	offComm     = 28
)

// network payload, after the header:
//
//	48 PathLen uint32
//	52 Family  uint16
//	54 Proto   uint8
//	55 Action  uint8
//	56 SrcPort uint16
//	58 DstPort uint16
//	60 pad     [4]byte
//	64 Src     [16]byte
//	80 Dst     [16]byte
//	96 path bytes
const (
	offNetPathLen = 48
	offNetFamily  = 52
	offNetProto   = 54
	offNetAction  = 55
	offNetSrcPort = 56
	offNetDstPort = 58
	offNetSrc     = 64
	offNetDst     = 80
	netPathStart  = 96
)

// exec payload, after the header:
//
//	48 PathLen uint32
//	52 ArgvLen uint32
//	56 path bytes, argv bytes immediately after
const (
	offExecPathLen = 48
	offExecArgvLen = 52
	execPathStart  = 56
)

var le = binary.LittleEndian

func alignRecord(n int) int {
	return (n + recordAlign - 1) &^ (recordAlign - 1)
}

func putHeader(b []byte, kind types.Kind, id types.Identity) {
	le.PutUint32(b[offTotalLen:], uint32(len(b)))
	le.PutUint32(b[offKind:], uint32(kind))
	le.PutUint64(b[offTime:], uint64(id.UnixNano))
	le.PutUint32(b[offPID:], id.PID)
	le.PutUint32(b[offUID:], id.UID)
	le.PutUint32(b[offGID:], id.GID)
	copy(b[offComm:offComm+16], id.Comm[:])
}

// encodeNetworkRecord packs one network record. The path must already be
// clamped by the caller; its stored length is exactly len(ev.Path).
func encodeNetworkRecord(id types.Identity, ev *types.NetworkEvent) []byte {
	b := make([]byte, alignRecord(netPathStart+len(ev.Path)))
	putHeader(b, types.KindNetwork, id)
	le.PutUint32(b[offNetPathLen:], uint32(len(ev.Path)))
	le.PutUint16(b[offNetFamily:], uint16(ev.Family))
	b[offNetProto] = byte(ev.Proto)
	b[offNetAction] = byte(ev.Action)
	le.PutUint16(b[offNetSrcPort:], ev.SrcPort)
	le.PutUint16(b[offNetDstPort:], ev.DstPort)
	copy(b[offNetSrc:], ev.Src[:])
	copy(b[offNetDst:], ev.Dst[:])
	copy(b[netPathStart:], ev.Path)
	return b
}

// encodeExecRecord packs one exec record. The argv block sits immediately
// after the path bytes, so the stored path length fixes its offset.
func encodeExecRecord(id types.Identity, path string, argv []byte) []byte {
	b := make([]byte, alignRecord(execPathStart+len(path)+len(argv)))
	putHeader(b, types.KindExec, id)
	le.PutUint32(b[offExecPathLen:], uint32(len(path)))
	le.PutUint32(b[offExecArgvLen:], uint32(len(argv)))
	copy(b[execPathStart:], path)
	copy(b[execPathStart+len(path):], argv)
	return b
}

// decodeRecord rebuilds the typed view of a stored record. It validates
// every stored length against the slice it was handed; the identity it
// managed to read is returned even when the payload is unusable, so a
// damaged record can still be rendered with its attribution.
func decodeRecord(seq uint64, b []byte) (types.Record, error) {
	rec := types.Record{Seq: seq}
	if len(b) < headerSize {
		return rec, fmt.Errorf("record %d: %d bytes, need %d byte header", seq, len(b), headerSize)
	}
	rec.Kind = types.Kind(le.Uint32(b[offKind:]))
	rec.Identity = types.Identity{
		PID:      le.Uint32(b[offPID:]),
		UID:      le.Uint32(b[offUID:]),
		GID:      le.Uint32(b[offGID:]),
		UnixNano: int64(le.Uint64(b[offTime:])),
	}
	copy(rec.Identity.Comm[:], b[offComm:offComm+16])

	switch rec.Kind {
	case types.KindNetwork:
		if len(b) < netPathStart {
			return rec, fmt.Errorf("record %d: %d bytes, need %d for network payload", seq, len(b), netPathStart)
		}
		pathLen := int(le.Uint32(b[offNetPathLen:]))
		if netPathStart+pathLen > len(b) {
			return rec, fmt.Errorf("record %d: path length %d exceeds record", seq, pathLen)
		}
		ev := &types.NetworkEvent{
			Family:  types.Family(le.Uint16(b[offNetFamily:])),
			Proto:   types.Proto(b[offNetProto]),
			Action:  types.Action(b[offNetAction]),
			SrcPort: le.Uint16(b[offNetSrcPort:]),
			DstPort: le.Uint16(b[offNetDstPort:]),
			Path:    string(b[netPathStart : netPathStart+pathLen]),
		}
		copy(ev.Src[:], b[offNetSrc:offNetSrc+16])
		copy(ev.Dst[:], b[offNetDst:offNetDst+16])
		rec.Net = ev
	case types.KindExec:
		if len(b) < execPathStart {
			return rec, fmt.Errorf("record %d: %d bytes, need %d for exec payload", seq, len(b), execPathStart)
		}
		pathLen := int(le.Uint32(b[offExecPathLen:]))
		argvLen := int(le.Uint32(b[offExecArgvLen:]))
		if execPathStart+pathLen+argvLen > len(b) {
			return rec, fmt.Errorf("record %d: path %d + argv %d exceeds record", seq, pathLen, argvLen)
		}
		rec.Exec = &types.ExecEvent{
			Path: string(b[execPathStart : execPathStart+pathLen]),
			Argv: append([]byte(nil), b[execPathStart+pathLen:execPathStart+pathLen+argvLen]...),
		}
	default:
		return rec, fmt.Errorf("record %d: unknown kind %d", seq, uint32(rec.Kind))
	}
	return rec, nil
}
