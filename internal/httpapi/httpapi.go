// Package httpapi wires the room lifecycle HTTP endpoints (create, join,
// the auto-join landing page, and the WebSocket upgrade) to a gin.Engine.
package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/watchsync/server/internal/authtoken"
	"github.com/watchsync/server/internal/checkedauth"
	"github.com/watchsync/server/internal/config"
	"github.com/watchsync/server/internal/connection"
	"github.com/watchsync/server/internal/join"
	"github.com/watchsync/server/internal/logging"
	"github.com/watchsync/server/internal/room"
	"github.com/watchsync/server/internal/videodata"
)

const (
	ownerAuthCookie   = "owner_auth"
	checkedAuthCookie = "checked_auth"
)

// Server holds the dependencies every room-lifecycle handler needs.
type Server struct {
	cfg     *config.Config
	rooms   *room.Registry
	tickets *checkedauth.Store
	signer  *authtoken.Signer
	join    *join.Orchestrator

	upgrader websocket.Upgrader
}

// New builds a Server and its room-scoped join orchestrator.
func New(cfg *config.Config, rooms *room.Registry, tickets *checkedauth.Store, signer *authtoken.Signer) *Server {
	s := &Server{
		cfg:     cfg,
		rooms:   rooms,
		tickets: tickets,
		signer:  signer,
		join:    join.New(rooms, tickets),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	return s
}

// Register attaches every room-lifecycle route to router. createLimit and
// joinLimit are gin middleware (typically from internal/ratelimit) applied
// only to the two mutating endpoints.
func (s *Server) Register(router gin.IRouter, createLimit, joinLimit gin.HandlerFunc) {
	roomGroup := router.Group("/room")
	roomGroup.POST("/create", createLimit, s.createRoom)
	roomGroup.POST("/join", joinLimit, s.joinRoom)
	roomGroup.GET("/:id", s.roomPage)

	router.GET("/"+s.cfg.WSPath, s.serveWS)
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == origin || allowed == "*" {
			return true
		}
	}
	return false
}

type createRoomRequest struct {
	Name          string `json:"name" binding:"required"`
	CreatorName   string `json:"creator_name"`
	VideoURL      string `json:"video_url"`
	CCURL         string `json:"cc_url"`
	MaxUsers      int    `json:"max_users"`
	GlobalControl bool   `json:"global_control"`
	PlayerIndex   int    `json:"player_index"`
}

type createRoomResponse struct {
	ID     string `json:"id"`
	WSPath string `json:"ws_path"`
}

// createRoom implements POST /room/create: allocates a room, mints an
// owner token bound to this request's IP and User-Agent, and returns it as
// an HTTP-only cookie.
func (s *Server) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CreatorName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "creator_name and name are required"})
		return
	}
	userAgent := c.Request.UserAgent()
	if userAgent == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "User-Agent header is required"})
		return
	}
	if req.PlayerIndex > videodata.PlayerMax || req.PlayerIndex < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "player_index out of range"})
		return
	}
	if req.MaxUsers > room.MaxUsers {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_users exceeds the server cap"})
		return
	}

	permission := videodata.PermissionRestricted
	if req.GlobalControl {
		permission = videodata.PermissionControllable
	}
	data := videodata.New(req.VideoURL, req.CCURL, req.PlayerIndex, permission)

	r, err := s.rooms.Create(req.Name, data, req.MaxUsers)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := s.signer.Sign(r.ID, req.CreatorName, c.ClientIP(), userAgent)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to sign owner token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint owner token"})
		return
	}
	setCookie(c, ownerAuthCookie, token, authtoken.Expiration)

	c.JSON(http.StatusOK, createRoomResponse{ID: r.ID, WSPath: r.WSPath})
}

type joinRoomRequest struct {
	RoomID string `json:"room_id" binding:"required"`
}

type joinRoomResponse struct {
	RoomID      string `json:"room_id"`
	Name        string `json:"name"`
	WSPath      string `json:"ws_path"`
	AutoConnect bool   `json:"auto_connect"`
}

// joinRoom implements POST /room/join: validates the room has a free seat
// without claiming one, and, if the caller's owner_auth cookie validates
// against this room, mints a single-use checked-auth ticket so the
// WebSocket upgrade can skip the guest join_room handshake.
func (s *Server) joinRoom(c *gin.Context) {
	var req joinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room_id is required"})
		return
	}

	r, err := s.rooms.Verify(req.RoomID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	autoConnect := false
	userAgent := c.Request.UserAgent()
	if raw, cookieErr := c.Cookie(ownerAuthCookie); cookieErr == nil && raw != "" {
		if claim, verifyErr := s.signer.Verify(raw); verifyErr == nil && claim.IsValidForRoom(r.ID, c.ClientIP(), userAgent) {
			autoConnect = true
			ticketID := s.tickets.Add(checkedauth.Ticket{
				RoomID:    r.ID,
				Username:  claim.Username,
				IP:        c.ClientIP(),
				UserAgent: userAgent,
				IsOwner:   true,
			})
			setCookie(c, checkedAuthCookie, ticketID, checkedauth.Expiration)
		}
	}

	c.JSON(http.StatusOK, joinRoomResponse{
		RoomID:      r.ID,
		Name:        r.Name,
		WSPath:      r.WSPath,
		AutoConnect: autoConnect,
	})
}

// roomPage implements GET /room/:id: a thin HTML landing page that
// pre-seeds the client-side room_data/autoConnect globals a browser client
// reads before opening its own WebSocket. Template substitution is
// intentionally simple string replacement, matching the single placeholder
// the original asset uses.
func (s *Server) roomPage(c *gin.Context) {
	r, err := s.rooms.Verify(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	autoConnect := false
	if raw, cookieErr := c.Cookie(ownerAuthCookie); cookieErr == nil && raw != "" {
		if claim, verifyErr := s.signer.Verify(raw); verifyErr == nil {
			autoConnect = claim.IsValidForRoom(r.ID, c.ClientIP(), c.Request.UserAgent())
		}
	}

	page, err := os.ReadFile(filepath.Join(s.cfg.AssetDir, "room-min.html"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room page asset missing"})
		return
	}

	injected := strings.Replace(string(page), "let room_data = null;", roomDataScript(r, autoConnect), 1)
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(injected))
}

func roomDataScript(r *room.Room, autoConnect bool) string {
	var b strings.Builder
	b.WriteString("let room_data = {room_id: '")
	b.WriteString(r.ID)
	b.WriteString("', name: '")
	b.WriteString(r.Name)
	b.WriteString("', ws_path: '")
	b.WriteString(r.WSPath)
	b.WriteString("'};\nlet autoConnect = ")
	if autoConnect {
		b.WriteString("true;")
	} else {
		b.WriteString("false;")
	}
	return b.String()
}

// serveWS implements GET /{ws_path}: upgrades the connection, then hands it
// to the join orchestrator, which consumes any checked_auth cookie (owner
// path) or awaits a join_room frame (guest path) before running the
// connection for its full lifetime. This handler blocks until the
// connection ends.
func (s *Server) serveWS(c *gin.Context) {
	checkedAuthID, _ := c.Cookie(checkedAuthCookie)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	var sock connection.Socket = conn
	s.join.Handshake(c.Request.Context(), sock, c.Request.RemoteAddr, c.Request.UserAgent(), checkedAuthID)
}

func setCookie(c *gin.Context, name, value string, ttl time.Duration) {
	c.SetCookie(name, value, int(ttl.Seconds()), "/", "", false, true)
}
