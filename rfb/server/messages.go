package server

// messages.go dispatches the client-to-server half of the cache protocol
// into per-connection state changes.

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pixelcache/pixelcache/rfb"
)

// ProcessCacheMessage handles one client cache message, already identified
// by its type octet.  Unknown types are protocol errors and fail the
// connection.
func ProcessCacheMessage(msgType uint8, mr *rfb.MsgReader,
	em *EncodeManager, log *zap.Logger) error {

	if log == nil {
		log = zap.NewNop()
	}
	cs := em.conn.CacheState()

	switch msgType {
	case rfb.MsgTypeRequestCachedData:
		id, err := mr.ReadRequestCachedData()
		if err != nil {
			return err
		}
		// The client referenced this id but could not serve it: forget
		// our "client knows" assumption and refresh the area it was
		// last used at so a fresh init goes out promptly.
		if rect, ok := cs.HandleRequestCachedData(id); ok {
			em.ForceRefresh(rfb.NewRegion(rect))
		}
		return nil

	case rfb.MsgTypeCacheEviction:
		ids, err := mr.ReadCacheEviction()
		if err != nil {
			return err
		}
		removed := cs.HandleEvictions(ids)
		log.Debug("client evictions",
			zap.Int("count", len(ids)), zap.Int("known", removed))
		return nil

	case rfb.MsgTypePersistentCacheQuery:
		ids, err := mr.ReadCacheQuery()
		if err != nil {
			return err
		}
		cs.HandleCacheQuery(ids)
		return nil

	case rfb.MsgTypePersistentHashList:
		chunk, err := mr.ReadHashListChunk()
		if err != nil {
			return err
		}
		cs.HandleHashList(chunk)
		log.Debug("hash list chunk",
			zap.Uint32("sequence", chunk.SequenceID),
			zap.Uint16("chunk", chunk.ChunkIndex),
			zap.Uint16("of", chunk.TotalChunks),
			zap.Int("ids", len(chunk.IDs)))
		return nil

	case rfb.MsgTypeLossyHashReport:
		rep, err := mr.ReadLossyHashReport()
		if err != nil {
			return err
		}
		cs.HandleLossyReport(rep)
		return nil

	case rfb.MsgTypeDebugDumpRequest:
		epoch, err := mr.ReadDebugDumpRequest()
		if err != nil {
			return err
		}
		log.Info("debug dump requested", zap.Uint32("epoch", epoch))
		return nil

	default:
		return fmt.Errorf("%w: unknown cache message %d", rfb.ErrProtocol, msgType)
	}
}
