package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aporia-zero/meshchat/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	mss "github.com/multiformats/go-multistream"
	"go.uber.org/zap"
)

// StreamHandler serves one inbound stream after protocol negotiation
type StreamHandler func(c *Conn, s network.MuxedStream)

// ProtocolManager tracks the protocols the node answers on inbound streams
type ProtocolManager struct {
	protocols map[protocol.ID]*Protocol
	mux       *mss.MultistreamMuxer[protocol.ID]
	logger    *zap.Logger
	mu        sync.RWMutex
}

// Protocol represents a registered stream protocol
type Protocol struct {
	ID      protocol.ID
	Handler StreamHandler
	Metrics *ProtocolMetrics
}

// ProtocolMetrics tracks protocol-specific metrics
type ProtocolMetrics struct {
	MessagesReceived uint64
	MessagesSent     uint64
	BytesReceived    uint64
	BytesSent        uint64
	Errors           uint64
	LastActivity     time.Time
	mu               sync.RWMutex
}

// NewProtocolManager creates a new protocol manager
func NewProtocolManager(logger *zap.Logger) *ProtocolManager {
	return &ProtocolManager{
		protocols: make(map[protocol.ID]*Protocol),
		mux:       mss.NewMultistreamMuxer[protocol.ID](),
		logger:    logger,
	}
}

// RegisterProtocol registers a new protocol
func (pm *ProtocolManager) RegisterProtocol(id protocol.ID, handler StreamHandler) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.protocols[id]; exists {
		return fmt.Errorf("protocol already registered: %s", id)
	}

	pm.protocols[id] = &Protocol{
		ID:      id,
		Handler: handler,
		Metrics: &ProtocolMetrics{
			LastActivity: time.Now(),
		},
	}
	pm.mux.AddHandler(id, nil)

	pm.logger.Info("Registered protocol",
		zap.String("protocol", string(id)))

	return nil
}

// GetProtocol returns a protocol by ID
func (pm *ProtocolManager) GetProtocol(id protocol.ID) (*Protocol, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	p, exists := pm.protocols[id]
	return p, exists
}

// Protocols lists the registered protocol IDs
func (pm *ProtocolManager) Protocols() []protocol.ID {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	ids := make([]protocol.ID, 0, len(pm.protocols))
	for id := range pm.protocols {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns a metrics snapshot keyed by protocol ID
func (pm *ProtocolManager) Stats() map[string]map[string]interface{} {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make(map[string]map[string]interface{}, len(pm.protocols))
	for id, p := range pm.protocols {
		out[string(id)] = p.Metrics.GetMetrics()
	}
	return out
}

// negotiate answers the remote's multistream proposal on an inbound stream
func (pm *ProtocolManager) negotiate(s network.MuxedStream) (*Protocol, error) {
	id, _, err := pm.mux.Negotiate(s)
	if err != nil {
		return nil, types.NetworkError{
			Code:    types.ErrCodeProtocolVersion,
			Message: "stream negotiation failed",
			Err:     err,
		}
	}

	p, ok := pm.GetProtocol(id)
	if !ok {
		return nil, types.NetworkError{
			Code:    types.ErrCodeProtocolVersion,
			Message: fmt.Sprintf("protocol removed during negotiation: %s", id),
		}
	}
	return p, nil
}

// Protocol metrics methods
func (m *ProtocolMetrics) updateMetrics(received bool, bytes uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.Errors++
	} else if received {
		m.MessagesReceived++
		m.BytesReceived += bytes
	} else {
		m.MessagesSent++
		m.BytesSent += bytes
	}

	m.LastActivity = time.Now()
}

func (m *ProtocolMetrics) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"messages_received": m.MessagesReceived,
		"messages_sent":     m.MessagesSent,
		"bytes_received":    m.BytesReceived,
		"bytes_sent":        m.BytesSent,
		"errors":            m.Errors,
		"last_activity":     m.LastActivity,
	}
}

// Helper functions for reading/writing length-prefixed frames

func writeFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return types.NetworkError{
			Code:    types.ErrCodeMessageFormat,
			Message: "writing frame",
			Err:     err,
		}
	}
	return nil
}

func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	if int64(length) > int64(maxSize) {
		return nil, types.NetworkError{
			Code:    types.ErrCodeMessageFormat,
			Message: fmt.Sprintf("frame of %d bytes exceeds limit of %d", length, maxSize),
		}
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, types.NetworkError{
			Code:    types.ErrCodeMessageFormat,
			Message: "reading frame",
			Err:     err,
		}
	}
	return data, nil
}
