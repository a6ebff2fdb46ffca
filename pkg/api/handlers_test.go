package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aporia-zero/meshchat/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Mock services
type MockNodeService struct {
	mock.Mock
}

func (m *MockNodeService) GetNodeInfo() types.NodeInfo {
	args := m.Called()
	return args.Get(0).(types.NodeInfo)
}

func (m *MockNodeService) GetPeers() []types.Peer {
	args := m.Called()
	return args.Get(0).([]types.Peer)
}

func (m *MockNodeService) AddPeer(addr string) error {
	args := m.Called(addr)
	return args.Error(0)
}

func (m *MockNodeService) RemovePeer(id string) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockNodeService) PingPeer(id string) (time.Duration, error) {
	args := m.Called(id)
	return args.Get(0).(time.Duration), args.Error(1)
}

func (m *MockNodeService) GetProtocols() map[string]map[string]interface{} {
	args := m.Called()
	return args.Get(0).(map[string]map[string]interface{})
}

type MockMessageService struct {
	mock.Mock
}

func (m *MockMessageService) SendMessage(text string) error {
	args := m.Called(text)
	return args.Error(0)
}

func (m *MockMessageService) GetMessages(limit int) []*types.ChatMessage {
	args := m.Called(limit)
	return args.Get(0).([]*types.ChatMessage)
}

func (m *MockMessageService) GetMessagesByPeer(peerID string, limit int) []*types.ChatMessage {
	args := m.Called(peerID, limit)
	return args.Get(0).([]*types.ChatMessage)
}

func (m *MockMessageService) GetMessage(id string) (*types.ChatMessage, error) {
	args := m.Called(id)
	msg, _ := args.Get(0).(*types.ChatMessage)
	return msg, args.Error(1)
}

func (m *MockMessageService) DeleteMessage(id string) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockMessageService) ClearMessages() {
	m.Called()
}

func (m *MockMessageService) GetInboxStats() types.InboxStats {
	args := m.Called()
	return args.Get(0).(types.InboxStats)
}

type MockPubSubService struct {
	mock.Mock
}

func (m *MockPubSubService) GetGossipState() (types.GossipState, error) {
	args := m.Called()
	return args.Get(0).(types.GossipState), args.Error(1)
}

func (m *MockPubSubService) GetFloodPeers() ([]string, error) {
	args := m.Called()
	return args.Get(0).([]string), args.Error(1)
}

type MockEventService struct {
	mock.Mock
}

func (m *MockEventService) Subscribe() (<-chan types.Event, func()) {
	args := m.Called()
	return args.Get(0).(<-chan types.Event), args.Get(1).(func())
}

type testAPI struct {
	router *gin.Engine
	node   *MockNodeService
	msgs   *MockMessageService
	pubsub *MockPubSubService
	events *MockEventService
}

func setupTestAPI() *testAPI {
	gin.SetMode(gin.TestMode)

	api := &testAPI{
		node:   new(MockNodeService),
		msgs:   new(MockMessageService),
		pubsub: new(MockPubSubService),
		events: new(MockEventService),
	}
	services := &APIServices{
		NodeService:    api.node,
		MessageService: api.msgs,
		PubSubService:  api.pubsub,
		EventService:   api.events,
	}

	server, _ := NewAPIServer(DefaultAPIConfig(), services, zap.NewNop())
	api.router = server.router
	return api
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, &buf)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	router.ServeHTTP(w, req)
	return w
}

// Test node endpoints
func TestHandleGetNodeInfo(t *testing.T) {
	api := setupTestAPI()

	expected := types.NodeInfo{
		ID:          "12D3KooWtest",
		Addresses:   []string{"/ip4/127.0.0.1/tcp/4001/ws/p2p/12D3KooWtest"},
		PeerCount:   2,
		FloodTopic:  "chat",
		GossipTopic: "chat-gossip",
		Version:     "0.1.0",
	}
	api.node.On("GetNodeInfo").Return(expected)

	w := doJSON(api.router, http.MethodGet, "/api/v1/node/info", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Data types.NodeInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, expected, response.Data)
}

func TestHandleGetPeers(t *testing.T) {
	api := setupTestAPI()

	opened := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	expected := []types.Peer{
		{ID: "peer1", RemoteAddress: "/ip4/10.0.0.1/tcp/4001", Direction: "outbound", Opened: opened},
		{ID: "peer2", RemoteAddress: "/ip4/10.0.0.2/tcp/4001", Direction: "inbound", Opened: opened},
	}
	api.node.On("GetPeers").Return(expected)

	w := doJSON(api.router, http.MethodGet, "/api/v1/node/peers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Data []types.Peer `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, expected, response.Data)
}

func TestHandleAddPeer(t *testing.T) {
	parseErr := types.NetworkError{Code: types.ErrCodeAddressParse, Message: `invalid address "not-an-address"`}
	fullErr := types.NetworkError{Code: types.ErrCodeQueueFull, Message: "request queue full"}

	tests := []struct {
		name         string
		body         interface{}
		setup        func(*MockNodeService)
		expectedCode int
	}{
		{
			name: "Valid address",
			body: map[string]string{"address": "/ip4/127.0.0.1/tcp/4001/ws"},
			setup: func(m *MockNodeService) {
				m.On("AddPeer", "/ip4/127.0.0.1/tcp/4001/ws").Return(nil)
			},
			expectedCode: http.StatusAccepted,
		},
		{
			name: "Malformed address",
			body: map[string]string{"address": "not-an-address"},
			setup: func(m *MockNodeService) {
				m.On("AddPeer", "not-an-address").Return(parseErr)
			},
			expectedCode: http.StatusBadRequest,
		},
		{
			name: "Queue full",
			body: map[string]string{"address": "/ip4/127.0.0.1/tcp/4002"},
			setup: func(m *MockNodeService) {
				m.On("AddPeer", "/ip4/127.0.0.1/tcp/4002").Return(fullErr)
			},
			expectedCode: http.StatusServiceUnavailable,
		},
		{
			name:         "Missing address",
			body:         map[string]string{},
			setup:        func(m *MockNodeService) {},
			expectedCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := setupTestAPI()
			tt.setup(api.node)

			w := doJSON(api.router, http.MethodPost, "/api/v1/node/peers", tt.body)
			assert.Equal(t, tt.expectedCode, w.Code)
			api.node.AssertExpectations(t)
		})
	}
}

func TestHandleRemovePeer(t *testing.T) {
	api := setupTestAPI()
	api.node.On("RemovePeer", "peer1").Return(nil)
	api.node.On("RemovePeer", "ghost").
		Return(types.NetworkError{Code: types.ErrCodePeerConnection, Message: "peer not connected"})
	api.node.On("RemovePeer", "garbage").
		Return(types.NetworkError{Code: types.ErrCodeValidation, Message: "invalid peer id"})

	assert.Equal(t, http.StatusOK, doJSON(api.router, http.MethodDelete, "/api/v1/node/peers/peer1", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(api.router, http.MethodDelete, "/api/v1/node/peers/ghost", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(api.router, http.MethodDelete, "/api/v1/node/peers/garbage", nil).Code)
}

func TestHandlePingPeer(t *testing.T) {
	api := setupTestAPI()
	api.node.On("PingPeer", "peer1").Return(1500*time.Microsecond, nil)
	api.node.On("PingPeer", "ghost").
		Return(time.Duration(0), types.NetworkError{Code: types.ErrCodePeerConnection, Message: "no connection to peer"})
	api.node.On("PingPeer", "slow").Return(time.Duration(0), context.DeadlineExceeded)

	w := doJSON(api.router, http.MethodGet, "/api/v1/node/peers/peer1/ping", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Data struct {
			Peer  string  `json:"peer"`
			RTTms float64 `json:"rtt_ms"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "peer1", response.Data.Peer)
	assert.InDelta(t, 1.5, response.Data.RTTms, 0.001)

	assert.Equal(t, http.StatusNotFound, doJSON(api.router, http.MethodGet, "/api/v1/node/peers/ghost/ping", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, doJSON(api.router, http.MethodGet, "/api/v1/node/peers/slow/ping", nil).Code)
	api.node.AssertExpectations(t)
}

func TestHandleGetProtocols(t *testing.T) {
	api := setupTestAPI()
	api.node.On("GetProtocols").Return(map[string]map[string]interface{}{
		"/meshchat/gossip/1.1.0": {"messages_received": 3},
	})

	w := doJSON(api.router, http.MethodGet, "/api/v1/node/protocols", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/meshchat/gossip/1.1.0")
}

// Test message endpoints
func TestHandleSendMessage(t *testing.T) {
	api := setupTestAPI()
	api.msgs.On("SendMessage", "hello").Return(nil)
	api.msgs.On("SendMessage", "").Return(nil)
	api.msgs.On("SendMessage", "huge").
		Return(types.NetworkError{Code: types.ErrCodeValidation, Message: "too large"})

	assert.Equal(t, http.StatusAccepted,
		doJSON(api.router, http.MethodPost, "/api/v1/messages", map[string]string{"text": "hello"}).Code)

	// the empty string is a valid message
	assert.Equal(t, http.StatusAccepted,
		doJSON(api.router, http.MethodPost, "/api/v1/messages", map[string]string{"text": ""}).Code)

	assert.Equal(t, http.StatusBadRequest,
		doJSON(api.router, http.MethodPost, "/api/v1/messages", map[string]string{"text": "huge"}).Code)

	assert.Equal(t, http.StatusBadRequest,
		doJSON(api.router, http.MethodPost, "/api/v1/messages", map[string]string{}).Code)

	api.msgs.AssertNumberOfCalls(t, "SendMessage", 3)
}

func TestHandleGetMessages(t *testing.T) {
	api := setupTestAPI()
	stored := []*types.ChatMessage{
		{ID: "m1", From: "peer1", Router: "gossip", Topic: "chat-gossip", Text: "hi"},
		{ID: "m2", From: "peer2", Router: "flood", Topic: "chat", Text: "yo"},
	}
	api.msgs.On("GetMessages", defaultMessageLimit).Return(stored)
	api.msgs.On("GetMessages", 1).Return(stored[1:])
	api.msgs.On("GetMessages", maxMessageLimit).Return(stored)

	tests := []struct {
		name         string
		query        string
		expectedCode int
		expectedLen  int
	}{
		{"Default limit", "", http.StatusOK, 2},
		{"Custom limit", "?limit=1", http.StatusOK, 1},
		{"Clamped limit", "?limit=100000", http.StatusOK, 2},
		{"Invalid limit", "?limit=abc", http.StatusBadRequest, 0},
		{"Zero limit", "?limit=0", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(api.router, http.MethodGet, "/api/v1/messages"+tt.query, nil)
			require.Equal(t, tt.expectedCode, w.Code)
			if tt.expectedCode != http.StatusOK {
				return
			}

			var response struct {
				Data []*types.ChatMessage `json:"data"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Len(t, response.Data, tt.expectedLen)
		})
	}
}

func TestHandleGetMessagesByPeer(t *testing.T) {
	api := setupTestAPI()
	fromPeer := []*types.ChatMessage{
		{ID: "m1", From: "peer1", Router: "gossip", Topic: "chat-gossip", Text: "hi"},
	}
	api.msgs.On("GetMessagesByPeer", "peer1", defaultMessageLimit).Return(fromPeer)
	api.msgs.On("GetMessagesByPeer", "peer2", 5).Return([]*types.ChatMessage{})

	w := doJSON(api.router, http.MethodGet, "/api/v1/messages?peer=peer1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Data []*types.ChatMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.Len(t, response.Data, 1)
	assert.Equal(t, "m1", response.Data[0].ID)

	w = doJSON(api.router, http.MethodGet, "/api/v1/messages?peer=peer2&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[]}`, w.Body.String())

	api.msgs.AssertNotCalled(t, "GetMessages", mock.Anything)
}

func TestHandleGetMessage(t *testing.T) {
	api := setupTestAPI()
	stored := &types.ChatMessage{ID: "m1", From: "peer1", Router: "flood", Topic: "chat", Text: "hi"}
	api.msgs.On("GetMessage", "m1").Return(stored, nil)
	api.msgs.On("GetMessage", "missing").
		Return(nil, types.NetworkError{Code: types.ErrCodeNotFound, Message: "message not found in inbox"})

	w := doJSON(api.router, http.MethodGet, "/api/v1/messages/m1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Data types.ChatMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "hi", response.Data.Text)

	assert.Equal(t, http.StatusNotFound, doJSON(api.router, http.MethodGet, "/api/v1/messages/missing", nil).Code)
}

func TestHandleDeleteMessages(t *testing.T) {
	api := setupTestAPI()
	api.msgs.On("DeleteMessage", "m1").Return(nil)
	api.msgs.On("DeleteMessage", "missing").
		Return(types.NetworkError{Code: types.ErrCodeNotFound, Message: "message not found in inbox"})
	api.msgs.On("ClearMessages").Return()

	assert.Equal(t, http.StatusOK, doJSON(api.router, http.MethodDelete, "/api/v1/messages/m1", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(api.router, http.MethodDelete, "/api/v1/messages/missing", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(api.router, http.MethodDelete, "/api/v1/messages", nil).Code)

	api.msgs.AssertExpectations(t)
}

func TestHandleGetInboxStats(t *testing.T) {
	api := setupTestAPI()
	stats := types.InboxStats{CurrentSize: 3, ReceivedCount: 5, DuplicateCount: 1, EvictedCount: 1}
	api.msgs.On("GetInboxStats").Return(stats)

	w := doJSON(api.router, http.MethodGet, "/api/v1/inbox", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Data types.InboxStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, stats, response.Data)
}

// Test pub/sub endpoints
func TestHandleGetGossipState(t *testing.T) {
	api := setupTestAPI()
	state := types.GossipState{
		Topic:    "chat-gossip",
		Mesh:     []string{"peer1"},
		Peers:    []string{"peer1", "peer2"},
		Explicit: []string{"peer1", "peer2"},
	}
	api.pubsub.On("GetGossipState").Return(state, nil)
	api.pubsub.On("GetFloodPeers").Return([]string{"peer2"}, nil)

	w := doJSON(api.router, http.MethodGet, "/api/v1/pubsub/gossip", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Data types.GossipState `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, state, response.Data)

	w = doJSON(api.router, http.MethodGet, "/api/v1/pubsub/flood", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "peer2")
}

func TestHandleEventsStreamsNotifications(t *testing.T) {
	api := setupTestAPI()

	ch := make(chan types.Event, 2)
	ch <- types.Event{Kind: types.EventPeerConnected, PeerID: "peer1"}
	ch <- types.Event{Kind: types.EventMessage, PeerID: "peer1", Text: "hello"}
	close(ch)

	cancelled := false
	api.events.On("Subscribe").Return((<-chan types.Event)(ch), func() { cancelled = true })

	// gin streams need a writer that reports client disconnects
	w := &closeNotifyingRecorder{httptest.NewRecorder(), make(chan bool, 1)}
	req, _ := http.NewRequest(http.MethodGet, "/api/v1/events", nil)
	api.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "event:peer_connected")
	assert.Contains(t, body, "event:message")
	assert.Contains(t, body, `"text":"hello"`)
	assert.True(t, cancelled)
}

type closeNotifyingRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *closeNotifyingRecorder) CloseNotify() <-chan bool { return r.closed }
