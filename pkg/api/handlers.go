package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 1000
)

// Node handlers
func (s *APIServer) handleGetNodeInfo(c *gin.Context) {
	info := s.services.NodeService.GetNodeInfo()
	if info.ID == "" {
		errorResponse(c, http.StatusInternalServerError, errors.New("node identity unavailable"))
		return
	}
	successResponse(c, info)
}

func (s *APIServer) handleGetPeers(c *gin.Context) {
	peers := s.services.NodeService.GetPeers()
	successResponse(c, peers)
}

func (s *APIServer) handleAddPeer(c *gin.Context) {
	var request struct {
		Address string `json:"address" binding:"required"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}

	if err := s.services.NodeService.AddPeer(request.Address); err != nil {
		errorResponse(c, statusFor(err), err)
		return
	}

	c.JSON(http.StatusAccepted, APIResponse{
		Data:    gin.H{"address": request.Address},
		Message: "Dial requested",
	})
}

func (s *APIServer) handleRemovePeer(c *gin.Context) {
	id := c.Param("id")
	if err := s.services.NodeService.RemovePeer(id); err != nil {
		errorResponse(c, statusFor(err), err)
		return
	}

	successResponse(c, gin.H{"message": "Peer disconnected"})
}

func (s *APIServer) handlePingPeer(c *gin.Context) {
	id := c.Param("id")
	rtt, err := s.services.NodeService.PingPeer(id)
	if err != nil {
		errorResponse(c, statusFor(err), err)
		return
	}

	successResponse(c, gin.H{
		"peer":   id,
		"rtt_ms": float64(rtt) / float64(time.Millisecond),
	})
}

func (s *APIServer) handleGetProtocols(c *gin.Context) {
	successResponse(c, s.services.NodeService.GetProtocols())
}

// Message handlers
func (s *APIServer) handleSendMessage(c *gin.Context) {
	var request struct {
		// pointer so that an empty message still binds
		Text *string `json:"text" binding:"required"`
	}

	if err := c.ShouldBindJSON(&request); err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}

	if err := s.services.MessageService.SendMessage(*request.Text); err != nil {
		errorResponse(c, statusFor(err), err)
		return
	}

	c.JSON(http.StatusAccepted, APIResponse{
		Data:    gin.H{"text": *request.Text},
		Message: "Message queued",
	})
}

func (s *APIServer) handleGetMessages(c *gin.Context) {
	limit := defaultMessageLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errorResponse(c, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		if n > maxMessageLimit {
			n = maxMessageLimit
		}
		limit = n
	}

	if peerID := c.Query("peer"); peerID != "" {
		successResponse(c, s.services.MessageService.GetMessagesByPeer(peerID, limit))
		return
	}
	successResponse(c, s.services.MessageService.GetMessages(limit))
}

func (s *APIServer) handleGetMessage(c *gin.Context) {
	msg, err := s.services.MessageService.GetMessage(c.Param("id"))
	if err != nil {
		errorResponse(c, statusFor(err), err)
		return
	}
	successResponse(c, msg)
}

func (s *APIServer) handleDeleteMessage(c *gin.Context) {
	if err := s.services.MessageService.DeleteMessage(c.Param("id")); err != nil {
		errorResponse(c, statusFor(err), err)
		return
	}
	successResponse(c, gin.H{"message": "Message removed"})
}

func (s *APIServer) handleClearMessages(c *gin.Context) {
	s.services.MessageService.ClearMessages()
	successResponse(c, gin.H{"message": "Inbox cleared"})
}

func (s *APIServer) handleGetInboxStats(c *gin.Context) {
	successResponse(c, s.services.MessageService.GetInboxStats())
}

// Pub/sub handlers
func (s *APIServer) handleGetGossipState(c *gin.Context) {
	st, err := s.services.PubSubService.GetGossipState()
	if err != nil {
		errorResponse(c, statusFor(err), err)
		return
	}
	successResponse(c, st)
}

func (s *APIServer) handleGetFloodPeers(c *gin.Context) {
	peers, err := s.services.PubSubService.GetFloodPeers()
	if err != nil {
		errorResponse(c, statusFor(err), err)
		return
	}
	successResponse(c, gin.H{"peers": peers})
}

// handleEvents streams notifications as server-sent events
func (s *APIServer) handleEvents(c *gin.Context) {
	events, cancel := s.services.EventService.Subscribe()
	defer cancel()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Kind), ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}
