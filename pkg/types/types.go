package types

import (
	"errors"
	"fmt"
	"time"
)

// NetworkConfig represents network configuration
type NetworkConfig struct {
	// Addresses to listen on, multiaddr text
	ListenAddresses []string `yaml:"listen_addresses"`

	// Addresses dialed once at startup
	DialPeers []string `yaml:"dial_peers"`

	// Upper bound from dial start through full establishment
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Per-stream outbound frame queue
	OutboundQueueSize int `yaml:"outbound_queue_size"`

	// Largest frame accepted on any stream
	MaxMessageSize int `yaml:"max_message_size"`
}

// PubSubConfig represents flood and gossip configuration
type PubSubConfig struct {
	FloodTopic  string `yaml:"flood_topic"`
	GossipTopic string `yaml:"gossip_topic"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ValidationMode    string        `yaml:"validation_mode"`
	SignMessages      bool          `yaml:"sign_messages"`

	// Mesh degree and watermarks
	D     int `yaml:"mesh_d"`
	Dlo   int `yaml:"mesh_dlo"`
	Dhi   int `yaml:"mesh_dhi"`
	Dlazy int `yaml:"gossip_lazy"`

	// Message cache windows
	HistoryLength int `yaml:"history_length"`
	HistoryGossip int `yaml:"history_gossip"`

	SeenTTL  time.Duration `yaml:"seen_ttl"`
	SeenSize int           `yaml:"seen_size"`
}

// PingConfig represents liveness ping configuration
type PingConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures int           `yaml:"max_failures"`
}

// APIConfig represents the HTTP surface configuration
type APIConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	CorsAllowList []string `yaml:"cors_allow_list"`
}

// InboxConfig represents delivered message history configuration
type InboxConfig struct {
	MaxSize         int           `yaml:"max_size"`
	Expiration      time.Duration `yaml:"expiration"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Config is the root of the YAML configuration file
type Config struct {
	Network NetworkConfig `yaml:"network"`
	PubSub  PubSubConfig  `yaml:"pubsub"`
	Ping    PingConfig    `yaml:"ping"`
	API     APIConfig     `yaml:"api"`
	Inbox   InboxConfig   `yaml:"inbox"`
}

// Validation modes
const (
	ValidationStrict     = "strict"
	ValidationPermissive = "permissive"
)

// DefaultConfig returns a configuration with every field populated
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			ListenAddresses:   []string{"/ip4/0.0.0.0/tcp/0/ws"},
			DialTimeout:       10 * time.Second,
			OutboundQueueSize: 128,
			MaxMessageSize:    1 << 20, // 1MB
		},
		PubSub: PubSubConfig{
			FloodTopic:        "chat",
			GossipTopic:       "chat-gossip",
			HeartbeatInterval: 10 * time.Second,
			ValidationMode:    ValidationPermissive,
			SignMessages:      true,
			D:                 6,
			Dlo:               4,
			Dhi:               12,
			Dlazy:             6,
			HistoryLength:     5,
			HistoryGossip:     3,
			SeenTTL:           2 * time.Minute,
			SeenSize:          8192,
		},
		Ping: PingConfig{
			Interval:    15 * time.Second,
			Timeout:     20 * time.Second,
			MaxFailures: 3,
		},
		API: APIConfig{
			Enabled:       true,
			Host:          "127.0.0.1",
			Port:          8080,
			CorsAllowList: []string{"*"},
		},
		Inbox: InboxConfig{
			MaxSize:         1000,
			Expiration:      24 * time.Hour,
			CleanupInterval: time.Minute,
		},
	}
}

// Validate checks the configuration for values the node cannot run with
func (c *Config) Validate() error {
	if c.Network.DialTimeout <= 0 {
		return fmt.Errorf("network.dial_timeout must be positive")
	}
	if c.Network.OutboundQueueSize <= 0 {
		return fmt.Errorf("network.outbound_queue_size must be positive")
	}
	if c.Network.MaxMessageSize <= 0 {
		return fmt.Errorf("network.max_message_size must be positive")
	}

	ps := c.PubSub
	if ps.FloodTopic == "" || ps.GossipTopic == "" {
		return fmt.Errorf("pubsub topics must not be empty")
	}
	if ps.HeartbeatInterval <= 0 {
		return fmt.Errorf("pubsub.heartbeat_interval must be positive")
	}
	switch ps.ValidationMode {
	case ValidationStrict, ValidationPermissive:
	default:
		return fmt.Errorf("pubsub.validation_mode %q: want %q or %q",
			ps.ValidationMode, ValidationStrict, ValidationPermissive)
	}
	if ps.ValidationMode == ValidationStrict && !ps.SignMessages {
		// peers running strict would drop every unsigned message we publish
		return fmt.Errorf("pubsub.validation_mode strict requires sign_messages")
	}
	if ps.Dlo <= 0 || ps.Dlo > ps.D || ps.D > ps.Dhi {
		return fmt.Errorf("pubsub mesh bounds must satisfy 0 < dlo <= d <= dhi (got %d/%d/%d)",
			ps.Dlo, ps.D, ps.Dhi)
	}
	if ps.HistoryGossip <= 0 || ps.HistoryGossip > ps.HistoryLength {
		return fmt.Errorf("pubsub.history_gossip must be in [1, history_length]")
	}
	if ps.SeenTTL <= 0 || ps.SeenSize <= 0 {
		return fmt.Errorf("pubsub seen cache must be bounded by a positive ttl and size")
	}

	if c.Ping.Interval <= 0 || c.Ping.Timeout <= 0 || c.Ping.MaxFailures <= 0 {
		return fmt.Errorf("ping interval, timeout and max_failures must be positive")
	}

	if c.API.Enabled && (c.API.Port < 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}

	if c.Inbox.MaxSize <= 0 {
		return fmt.Errorf("inbox.max_size must be positive")
	}
	return nil
}

// NodeInfo describes the local node
type NodeInfo struct {
	ID          string   `json:"id"`
	Addresses   []string `json:"addresses"`
	PeerCount   int      `json:"peer_count"`
	FloodTopic  string   `json:"flood_topic"`
	GossipTopic string   `json:"gossip_topic"`
	Protocols   []string `json:"protocols"`
	Version     string   `json:"version"`
}

// Peer represents an established connection
type Peer struct {
	ID            string    `json:"id"`
	LocalAddress  string    `json:"local_address"`
	RemoteAddress string    `json:"remote_address"`
	Direction     string    `json:"direction"`
	Opened        time.Time `json:"opened"`
}

// GossipState is a snapshot of the gossip views for one topic
type GossipState struct {
	Topic    string   `json:"topic"`
	Mesh     []string `json:"mesh"`
	Peers    []string `json:"peers"`
	Explicit []string `json:"explicit"`
}

// EventKind names a notification emitted by the core
type EventKind string

const (
	EventListenAddr       EventKind = "listen_addr"
	EventPeerConnected    EventKind = "peer_connected"
	EventPeerDisconnected EventKind = "peer_disconnected"
	EventDialFailed       EventKind = "dial_failed"
	EventMessage          EventKind = "message"
)

// Event is a notification from the core to the display layer
type Event struct {
	Kind      EventKind `json:"kind"`
	PeerID    string    `json:"peer_id,omitempty"`
	Address   string    `json:"address,omitempty"`
	Router    string    `json:"router,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// ChatMessage is a delivered message kept for display
type ChatMessage struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Router     string    `json:"router"`
	Topic      string    `json:"topic"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// InboxStats reports the message history counters
type InboxStats struct {
	CurrentSize    int `json:"current_size"`
	ReceivedCount  int `json:"received_count"`
	DuplicateCount int `json:"duplicate_count"`
	EvictedCount   int `json:"evicted_count"`
	ExpiredCount   int `json:"expired_count"`
}

func (m *ChatMessage) String() string {
	return fmt.Sprintf("ChatMessage(id=%s, from=%s, router=%s)", m.ID, m.From, m.Router)
}

// Error types
type NetworkError struct {
	Code    int
	Message string
	Err     error
}

func (e NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network error (code=%d): %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("network error (code=%d): %s", e.Code, e.Message)
}

func (e NetworkError) Unwrap() error {
	return e.Err
}

// IsCode reports whether err carries a NetworkError with the given code
func IsCode(err error, code int) bool {
	var ne NetworkError
	if errors.As(err, &ne) {
		return ne.Code == code
	}
	return false
}

// Network error codes
const (
	ErrCodePeerConnection = iota + 1000
	ErrCodeMessageFormat
	ErrCodeProtocolVersion
	ErrCodeAddressParse
	ErrCodeUnsupportedAddress
	ErrCodeHandshake
	ErrCodeMultiplex
	ErrCodeTimeout
	ErrCodeValidation
	ErrCodeQueueFull
	ErrCodeNotFound
)
