package inbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aporia-zero/meshchat/pkg/types"
	"go.uber.org/zap"
)

// Inbox keeps recently delivered chat messages for display
type Inbox struct {
	// Configuration
	config *Config

	// Messages
	msgs    map[string]*Entry
	msgLock sync.RWMutex

	// Indexes
	byPeer  map[string][]string // sender -> ids in arrival order
	byOrder []string            // ids in arrival order

	// Status tracking
	status *Status

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Logger
	logger *zap.Logger
}

// Config represents inbox configuration
type Config struct {
	MaxSize            int
	ExpirationDuration time.Duration
	CleanupInterval    time.Duration
}

// Entry represents a message in the inbox
type Entry struct {
	Message *types.ChatMessage
	AddedAt time.Time
}

// Status represents inbox counters
type Status struct {
	CurrentSize    int
	ReceivedCount  int
	DuplicateCount int
	EvictedCount   int
	ExpiredCount   int
	mu             sync.RWMutex
}

// New creates an inbox and starts its cleanup routine
func New(config *Config, logger *zap.Logger) (*Inbox, error) {
	if config.MaxSize <= 0 {
		return nil, ErrInvalidConfig
	}

	ctx, cancel := context.WithCancel(context.Background())

	in := &Inbox{
		config: config,
		msgs:   make(map[string]*Entry),
		byPeer: make(map[string][]string),
		status: &Status{},
		ctx:    ctx,
		cancel: cancel,
		logger: logger.Named("inbox"),
	}

	if config.CleanupInterval > 0 && config.ExpirationDuration > 0 {
		go in.cleanupRoutine()
	}

	return in, nil
}

// Add stores a message, evicting the oldest when full
func (in *Inbox) Add(msg *types.ChatMessage) error {
	if err := validateMessage(msg); err != nil {
		return err
	}

	in.msgLock.Lock()
	defer in.msgLock.Unlock()

	if _, exists := in.msgs[msg.ID]; exists {
		in.updateStatus(0, 0, 1, 0, 0)
		return ErrAlreadyExists
	}

	evicted := 0
	for len(in.msgs) >= in.config.MaxSize && len(in.byOrder) > 0 {
		in.removeLocked(in.byOrder[0])
		evicted++
	}

	entry := &Entry{
		Message: msg,
		AddedAt: time.Now(),
	}
	in.msgs[msg.ID] = entry
	in.byOrder = append(in.byOrder, msg.ID)
	in.byPeer[msg.From] = append(in.byPeer[msg.From], msg.ID)

	in.updateStatus(1-evicted, 1, 0, evicted, 0)

	in.logger.Debug("Message added to inbox",
		zap.String("id", msg.ID),
		zap.Int("size", len(in.msgs)))

	return nil
}

// Get retrieves a message by id
func (in *Inbox) Get(id string) (*types.ChatMessage, error) {
	in.msgLock.RLock()
	defer in.msgLock.RUnlock()

	if entry, exists := in.msgs[id]; exists {
		return entry.Message, nil
	}
	return nil, ErrNotFound
}

// Recent returns up to limit messages, oldest first. A limit of zero or
// less returns everything.
func (in *Inbox) Recent(limit int) []*types.ChatMessage {
	in.msgLock.RLock()
	defer in.msgLock.RUnlock()

	ids := in.byOrder
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}

	result := make([]*types.ChatMessage, 0, len(ids))
	for _, id := range ids {
		result = append(result, in.msgs[id].Message)
	}
	return result
}

// GetByPeer returns up to limit of the latest messages a peer sent,
// oldest first. A limit of zero or less returns everything.
func (in *Inbox) GetByPeer(peerID string, limit int) []*types.ChatMessage {
	in.msgLock.RLock()
	defer in.msgLock.RUnlock()

	result := make([]*types.ChatMessage, 0)
	if ids, exists := in.byPeer[peerID]; exists {
		if limit > 0 && len(ids) > limit {
			ids = ids[len(ids)-limit:]
		}
		for _, id := range ids {
			if entry, exists := in.msgs[id]; exists {
				result = append(result, entry.Message)
			}
		}
	}
	return result
}

// Remove deletes a message
func (in *Inbox) Remove(id string) error {
	in.msgLock.Lock()
	defer in.msgLock.Unlock()

	if _, exists := in.msgs[id]; !exists {
		return ErrNotFound
	}
	in.removeLocked(id)
	in.updateStatus(-1, 0, 0, 0, 0)
	return nil
}

// Size returns the current number of messages
func (in *Inbox) Size() int {
	in.msgLock.RLock()
	defer in.msgLock.RUnlock()
	return len(in.msgs)
}

// Clear removes all messages
func (in *Inbox) Clear() {
	in.msgLock.Lock()
	defer in.msgLock.Unlock()

	in.msgs = make(map[string]*Entry)
	in.byPeer = make(map[string][]string)
	in.byOrder = nil

	in.status.mu.Lock()
	in.status.CurrentSize = 0
	in.status.mu.Unlock()

	in.logger.Info("Inbox cleared")
}

// Stop stops the cleanup routine
func (in *Inbox) Stop() {
	in.cancel()
}

// GetStatus returns a copy of the counters
func (in *Inbox) GetStatus() types.InboxStats {
	in.status.mu.RLock()
	defer in.status.mu.RUnlock()
	return types.InboxStats{
		CurrentSize:    in.status.CurrentSize,
		ReceivedCount:  in.status.ReceivedCount,
		DuplicateCount: in.status.DuplicateCount,
		EvictedCount:   in.status.EvictedCount,
		ExpiredCount:   in.status.ExpiredCount,
	}
}

// Consume stores every message notification until ctx is done or events
// is closed
func (in *Inbox) Consume(ctx context.Context, events <-chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != types.EventMessage {
				continue
			}
			msg := &types.ChatMessage{
				ID:         ev.MessageID,
				From:       ev.PeerID,
				Router:     ev.Router,
				Topic:      ev.Topic,
				Text:       ev.Text,
				ReceivedAt: ev.Time,
			}
			if err := in.Add(msg); err != nil && err != ErrAlreadyExists {
				in.logger.Warn("Dropping message", zap.String("id", msg.ID), zap.Error(err))
			}
		}
	}
}

// Internal methods

func (in *Inbox) removeLocked(id string) {
	entry, exists := in.msgs[id]
	if !exists {
		return
	}
	delete(in.msgs, id)

	from := entry.Message.From
	if ids, exists := in.byPeer[from]; exists {
		for i, h := range ids {
			if h == id {
				in.byPeer[from] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(in.byPeer[from]) == 0 {
			delete(in.byPeer, from)
		}
	}

	for i, h := range in.byOrder {
		if h == id {
			in.byOrder = append(in.byOrder[:i], in.byOrder[i+1:]...)
			break
		}
	}
}

func (in *Inbox) updateStatus(size, received, duplicate, evicted, expired int) {
	in.status.mu.Lock()
	defer in.status.mu.Unlock()

	in.status.CurrentSize += size
	in.status.ReceivedCount += received
	in.status.DuplicateCount += duplicate
	in.status.EvictedCount += evicted
	in.status.ExpiredCount += expired
}

// Background routines

func (in *Inbox) cleanupRoutine() {
	ticker := time.NewTicker(in.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-in.ctx.Done():
			return
		case <-ticker.C:
			in.cleanup()
		}
	}
}

func (in *Inbox) cleanup() {
	in.msgLock.Lock()
	defer in.msgLock.Unlock()

	now := time.Now()
	var expired []string
	for id, entry := range in.msgs {
		if now.Sub(entry.AddedAt) > in.config.ExpirationDuration {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	for _, id := range expired {
		in.removeLocked(id)
	}

	if len(expired) > 0 {
		in.updateStatus(-len(expired), 0, 0, 0, len(expired))
		in.logger.Info("Cleaned up expired messages",
			zap.Int("expired", len(expired)),
			zap.Int("remaining", len(in.msgs)))
	}
}

// ConfigFrom converts the inbox configuration section
func ConfigFrom(ic types.InboxConfig) *Config {
	return &Config{
		MaxSize:            ic.MaxSize,
		ExpirationDuration: ic.Expiration,
		CleanupInterval:    ic.CleanupInterval,
	}
}

// Default configuration
func DefaultConfig() *Config {
	return ConfigFrom(types.DefaultConfig().Inbox)
}
