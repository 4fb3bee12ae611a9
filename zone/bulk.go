package zone

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/klauspost/reedsolomon"

	"github.com/Pascu-Victor/wki/internal/nlog"
	"github.com/Pascu-Victor/wki/wire"
)

// bulkThreshold gates the optional reedsolomon striping path: payloads
// at or below it use the plain chunked message path (SPEC_FULL.md
// domain stack: zone bulk transfer resilience).
const bulkThreshold = 64 * 1024

const (
	bulkDataShards   = 4
	bulkParityShards = 2
)

const bulkShardHeaderSize = 17 // bulkID(4) shardIdx(1) shardCount(1) dataShards(1) shardTotalLen(4) chunkOffset(4) + reserved(2)

var bulkIDCounter uint32

func (m *Manager) nextBulkID() uint32 { return atomic.AddUint32(&bulkIDCounter, 1) }

type bulkAssembly struct {
	mu         sync.Mutex
	shardCount int
	dataShards int
	shards     [][]byte
}

func encodeBulkShard(bulkID uint32, shardIdx, shardCount, dataShards uint8, shardTotalLen, chunkOffset uint32, chunk []byte) []byte {
	buf := make([]byte, bulkShardHeaderSize+len(chunk))
	putLE32(buf[0:4], bulkID)
	buf[4] = shardIdx
	buf[5] = shardCount
	buf[6] = dataShards
	putLE32(buf[7:11], shardTotalLen)
	putLE32(buf[11:15], chunkOffset)
	copy(buf[bulkShardHeaderSize:], chunk)
	return buf
}

func decodeBulkShard(buf []byte) (bulkID uint32, shardIdx, shardCount, dataShards uint8, shardTotalLen, chunkOffset uint32, chunk []byte, err error) {
	if len(buf) < bulkShardHeaderSize {
		return 0, 0, 0, 0, 0, 0, nil, errShort
	}
	return le32(buf[0:4]), buf[4], buf[5], buf[6], le32(buf[7:11]), le32(buf[11:15]), buf[bulkShardHeaderSize:], nil
}

func encodeBulkTrailer(bulkID, origLen uint32, dataShards, parityShards, shardCount uint8) []byte {
	buf := make([]byte, 11)
	putLE32(buf[0:4], bulkID)
	putLE32(buf[4:8], origLen)
	buf[8] = dataShards
	buf[9] = parityShards
	buf[10] = shardCount
	return buf
}

func decodeBulkTrailer(buf []byte) (bulkID, origLen uint32, dataShards, parityShards, shardCount uint8, err error) {
	if len(buf) < 11 {
		return 0, 0, 0, 0, 0, errShort
	}
	return le32(buf[0:4]), le32(buf[4:8]), buf[8], buf[9], buf[10], nil
}

// messageWriteBulk stripes data across bulkDataShards+bulkParityShards
// reedsolomon shards, sends each shard chunked, then a trailer that
// triggers reassembly and the real localBuf write on the responder.
func (m *Manager) messageWriteBulk(z *Zone, offset uint32, data []byte) error {
	enc, err := reedsolomon.New(bulkDataShards, bulkParityShards)
	if err != nil {
		nlog.Warningf("zone: reedsolomon unavailable (%v), falling back to plain chunking", err)
		return m.messageWritePlain(z, offset, data)
	}
	shards, err := enc.Split(data)
	if err != nil {
		return m.messageWritePlain(z, offset, data)
	}
	if err := enc.Encode(shards); err != nil {
		return m.messageWritePlain(z, offset, data)
	}

	bulkID := m.nextBulkID()
	shardChunk := zoneChunkSize - bulkShardHeaderSize
	for idx, shard := range shards {
		for chunkOff := 0; chunkOff < len(shard); chunkOff += shardChunk {
			end := chunkOff + shardChunk
			if end > len(shard) {
				end = len(shard)
			}
			seq := m.nextSeq(z)
			body := encodeBulkShard(bulkID, uint8(idx), uint8(len(shards)), bulkDataShards,
				uint32(len(shard)), uint32(chunkOff), shard[chunkOff:end])
			req := encodeWriteReq(z.ZoneID, seq, offset, writeKindBulkShard, body)
			if _, err := m.rpc(z, seq, wire.MsgZoneWriteReq, req); err != nil {
				return err
			}
		}
	}

	seq := m.nextSeq(z)
	trailer := encodeBulkTrailer(bulkID, uint32(len(data)), bulkDataShards, bulkParityShards, uint8(len(shards)))
	req := encodeWriteReq(z.ZoneID, seq, offset, writeKindBulkTrailer, trailer)
	_, err = m.rpc(z, seq, wire.MsgZoneWriteReq, req)
	return err
}

// messageWritePlain is the non-striped chunk loop, used directly for
// sub-threshold payloads and as the striping fallback.
func (m *Manager) messageWritePlain(z *Zone, offset uint32, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > zoneChunkSize {
			n = zoneChunkSize
		}
		seq := m.nextSeq(z)
		req := encodeWriteReq(z.ZoneID, seq, offset, writeKindPlain, data[:n])
		if _, err := m.rpc(z, seq, wire.MsgZoneWriteReq, req); err != nil {
			return err
		}
		offset += uint32(n)
		data = data[n:]
	}
	return nil
}

func (m *Manager) handleBulkShard(fromNode uint16, z *Zone, seq uint32, body []byte) {
	bulkID, shardIdx, shardCount, dataShards, shardTotalLen, chunkOffset, chunk, err := decodeBulkShard(body)
	if err != nil {
		_ = m.send(fromNode, wire.MsgZoneWriteAck, encodeWriteAck(z.ZoneID, seq, false))
		return
	}
	z.mu.Lock()
	if z.bulkAssemblies == nil {
		z.bulkAssemblies = make(map[uint32]*bulkAssembly)
	}
	asm, ok := z.bulkAssemblies[bulkID]
	if !ok {
		asm = &bulkAssembly{shardCount: int(shardCount), dataShards: int(dataShards), shards: make([][]byte, shardCount)}
		z.bulkAssemblies[bulkID] = asm
	}
	z.mu.Unlock()

	asm.mu.Lock()
	if asm.shards[shardIdx] == nil {
		asm.shards[shardIdx] = make([]byte, shardTotalLen)
	}
	copy(asm.shards[shardIdx][chunkOffset:], chunk)
	asm.mu.Unlock()

	_ = m.send(fromNode, wire.MsgZoneWriteAck, encodeWriteAck(z.ZoneID, seq, true))
}

func (m *Manager) handleBulkTrailer(fromNode uint16, z *Zone, seq, offset uint32, body []byte) {
	bulkID, origLen, dataShards, parityShards, _, err := decodeBulkTrailer(body)
	if err != nil {
		_ = m.send(fromNode, wire.MsgZoneWriteAck, encodeWriteAck(z.ZoneID, seq, false))
		return
	}
	z.mu.Lock()
	asm, ok := z.bulkAssemblies[bulkID]
	if ok {
		delete(z.bulkAssemblies, bulkID)
	}
	z.mu.Unlock()
	if !ok {
		_ = m.send(fromNode, wire.MsgZoneWriteAck, encodeWriteAck(z.ZoneID, seq, false))
		return
	}

	enc, err := reedsolomon.New(int(dataShards), int(parityShards))
	if err != nil {
		_ = m.send(fromNode, wire.MsgZoneWriteAck, encodeWriteAck(z.ZoneID, seq, false))
		return
	}
	asm.mu.Lock()
	shards := asm.shards
	asm.mu.Unlock()
	if err := enc.Reconstruct(shards); err != nil {
		_ = m.send(fromNode, wire.MsgZoneWriteAck, encodeWriteAck(z.ZoneID, seq, false))
		return
	}
	var buf bytes.Buffer
	if err := enc.Join(&buf, shards, int(origLen)); err != nil {
		_ = m.send(fromNode, wire.MsgZoneWriteAck, encodeWriteAck(z.ZoneID, seq, false))
		return
	}

	z.mu.Lock()
	if z.Policy&RemoteWrite == 0 || int(offset)+buf.Len() > len(z.localBuf) {
		z.mu.Unlock()
		_ = m.send(fromNode, wire.MsgZoneWriteAck, encodeWriteAck(z.ZoneID, seq, false))
		return
	}
	pre, post, mode := z.PreHandler, z.PostHandler, z.NotifyMode
	length := uint32(buf.Len())
	if mode.wantsPre() && pre != nil {
		pre(z.ZoneID, offset, length, 1)
	}
	copy(z.localBuf[offset:], buf.Bytes())
	if mode.wantsPost() && post != nil {
		post(z.ZoneID, offset, length, 1)
	}
	z.mu.Unlock()
	_ = m.send(fromNode, wire.MsgZoneWriteAck, encodeWriteAck(z.ZoneID, seq, true))
}
