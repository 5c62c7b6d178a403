package client

// conn.go carries the connection state machine the cache protocol composes
// with.  The cache layer adds no transitions of its own: it negotiates via
// SetEncodings during the standard handshake and becomes active once the
// connection reaches the Normal state.

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	cache "github.com/pixelcache/pixelcache/pkg"
	"github.com/pixelcache/pixelcache/rfb"
)

// ConnState is the RFB handshake progression.
type ConnState int

const (
	StateProtocolVersion ConnState = iota
	StateSecurityTypes
	StateSecurity
	StateSecurityResult
	StateInitialisation
	StateNormal
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateProtocolVersion:
		return "ProtocolVersion"
	case StateSecurityTypes:
		return "SecurityTypes"
	case StateSecurity:
		return "Security"
	case StateSecurityResult:
		return "SecurityResult"
	case StateInitialisation:
		return "Initialisation"
	case StateNormal:
		return "Normal"
	default:
		return "Closing"
	}
}

// Conn is the client connection's cache-facing state.
type Conn struct {
	state ConnState
	log   *zap.Logger

	cfg    cache.Config
	engine *cache.Engine
	dm     *DecodeManager
	reader *rfb.MsgReader
	writer *rfb.MsgWriter

	server rfb.ServerParams

	cacheLoadTriggered bool
}

// NewConn wires the connection pieces together.  The engine and decode
// manager are injected; the connection only drives their lifecycle.
func NewConn(cfg cache.Config, engine *cache.Engine, dm *DecodeManager,
	reader *rfb.MsgReader, writer *rfb.MsgWriter, logger *zap.Logger) *Conn {

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		state:  StateProtocolVersion,
		log:    logger.With(zap.String("component", "cconn")),
		cfg:    cfg,
		engine: engine,
		dm:     dm,
		reader: reader,
		writer: writer,
	}
}

// State returns the current handshake state.
func (c *Conn) State() ConnState { return c.state }

// SetServerParams records the negotiated session parameters.
func (c *Conn) SetServerParams(sp rfb.ServerParams) { c.server = sp }

// ServerParams returns the negotiated session parameters.
func (c *Conn) ServerParams() *rfb.ServerParams { return &c.server }

// AdvanceState moves the handshake forward.  Skipping states or moving
// backwards (except into Closing) is a protocol violation.
func (c *Conn) AdvanceState(next ConnState) error {
	if next == StateClosing {
		c.state = next
		return nil
	}
	if next != c.state+1 {
		return fmt.Errorf("%w: state %s -> %s", rfb.ErrProtocol, c.state, next)
	}
	c.state = next
	if next == StateNormal {
		return c.onNormal()
	}
	return nil
}

// CacheEncodings returns the pseudo-encodings to include in SetEncodings.
// The server enables cache emission only if at least one is present.
func (c *Conn) CacheEncodings() []int32 {
	var out []int32
	if c.cfg.PersistentCache {
		out = append(out, rfb.PseudoEncodingPersistentCache)
	}
	if c.cfg.ContentCache {
		out = append(out, rfb.PseudoEncodingContentCache)
	}
	return out
}

// onNormal runs once the security handshake completes: the disk index is
// loaded lazily (now that we know the session actually negotiated caching),
// coordination starts, and surviving ids are advertised.
func (c *Conn) onNormal() error {
	if c.cacheLoadTriggered {
		return nil
	}
	c.cacheLoadTriggered = true

	if c.cfg.PersistentCache {
		if err := c.engine.LoadIndex(); err != nil {
			// Degraded but alive: the session runs with an empty
			// cache.
			c.log.Warn("cache index load failed", zap.Error(err))
		}
		role := c.engine.StartCoordinator()
		c.log.Info("cache ready",
			zap.String("role", role.String()),
			zap.String("dir", c.engine.CacheDirectory()))
	}
	return c.dm.AdvertiseHashList()
}

// ProcessRect dispatches one update rectangle.  Cache encodings are only
// legal in the Normal state.
func (c *Conn) ProcessRect(hdr rfb.RectHeader, in io.Reader,
	pb rfb.ModifiablePixelBuffer) error {

	switch hdr.Encoding {
	case rfb.EncodingCachedRect, rfb.EncodingCachedRectInit, rfb.EncodingCachedRectSeed:
		if c.state != StateNormal {
			return fmt.Errorf("%w: cache rect in state %s", rfb.ErrProtocol, c.state)
		}
	}

	switch hdr.Encoding {
	case rfb.EncodingCachedRect:
		ref, err := c.reader.ReadCachedRef(hdr.Rect)
		if err != nil {
			return err
		}
		return c.dm.HandleCachedRect(ref, pb)
	case rfb.EncodingCachedRectInit:
		init, err := c.reader.ReadCachedInit(hdr.Rect)
		if err != nil {
			return err
		}
		return c.dm.HandleCachedInit(init, in, &c.server, pb)
	case rfb.EncodingCachedRectSeed:
		seed, err := c.reader.ReadCachedSeed(hdr.Rect)
		if err != nil {
			return err
		}
		return c.dm.HandleCachedSeed(seed, pb)
	default:
		return c.dm.DecodeRect(hdr.Rect, hdr.Encoding, in, &c.server, pb)
	}
}

// EndOfUpdate is called after the last rectangle of a framebuffer update:
// the decode queue drains and deferred cache traffic goes out.
func (c *Conn) EndOfUpdate() error {
	return c.dm.Flush()
}

// Close shuts the cache machinery down in dependency order: decode workers
// first, then the engine (which stops its coordinator before dropping
// state).
func (c *Conn) Close() error {
	c.state = StateClosing
	c.dm.Stop()
	c.dm.LogStats()
	return c.engine.Close()
}
