package discovery

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roomgrid/roomgrid/internal/v1/token"
)

// TokenRequest is the body of POST /v1/tokens.
type TokenRequest struct {
	PublicURL        string          `json:"publicUrl"`
	RoomID           string          `json:"roomId" binding:"required"`
	RoomProperties   json.RawMessage `json:"roomProperties,omitempty"`
	ClientID         string          `json:"clientId" binding:"required"`
	ClientProperties json.RawMessage `json:"clientProperties,omitempty"`
	JoinOnly         bool            `json:"joinOnly,omitempty"`
	Expiry           string          `json:"expiry,omitempty"`
}

// TokenResponse is the body returned for a minted token.
type TokenResponse struct {
	Token     string `json:"token"`
	PublicURL string `json:"publicUrl"`
}

// RegisterRoutes attaches the discovery HTTP API to a router group.
func (d *Discovery) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/tokens", d.handleCreateToken)
	rg.GET("/servers", d.handleListServers)
	rg.GET("/servers/least-loaded", d.handleLeastLoaded)
}

// handleCreateToken mints a join token. An omitted publicUrl selects the
// least-loaded known server.
func (d *Discovery) handleCreateToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	publicURL := req.PublicURL
	if publicURL == "" {
		best, ok := d.GetLeastLoadedServer()
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no room servers available"})
			return
		}
		publicURL = best.PublicURL
	}

	var expiry time.Duration
	if req.Expiry != "" {
		parsed, err := time.ParseDuration(req.Expiry)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expiry must be a positive duration"})
			return
		}
		expiry = parsed
	}

	signed, err := d.GenerateToken(token.Options{
		PublicURL:        publicURL,
		RoomID:           req.RoomID,
		RoomProperties:   req.RoomProperties,
		ClientID:         req.ClientID,
		ClientProperties: req.ClientProperties,
		JoinOnly:         req.JoinOnly,
		Expiry:           expiry,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, TokenResponse{Token: signed, PublicURL: publicURL})
}

func (d *Discovery) handleListServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": d.Servers()})
}

func (d *Discovery) handleLeastLoaded(c *gin.Context) {
	best, ok := d.GetLeastLoadedServer()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no room servers available"})
		return
	}
	c.JSON(http.StatusOK, best)
}
