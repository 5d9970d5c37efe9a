package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/colabd/schemasync/collab"
)

// the relay reads the jwt secret from this env var when the settings have none
const JwtSecretEnvVar = "COLLAB_JWT_SECRET"

type ServerSettings struct {
	Addr      string
	JwtSecret []byte

	JoinTimeout     time.Duration
	PingTimeout     time.Duration
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration

	HubSettings *HubSettings
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		Addr:            ":8080",
		JoinTimeout:     5 * time.Second,
		PingTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		// must be longer than the client ping timeout
		ReadTimeout:     30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		HubSettings:     DefaultHubSettings(),
	}
}

// the reference relay: websocket rooms per schema plus the schema http api
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ServerSettings

	jwtSecret []byte
	hub       *Hub
	upgrader  *websocket.Upgrader
	router    *gin.Engine
}

func NewServerWithDefaults(ctx context.Context) (*Server, error) {
	return NewServer(ctx, DefaultServerSettings())
}

func NewServer(ctx context.Context, settings *ServerSettings) (*Server, error) {
	jwtSecret := settings.JwtSecret
	if len(jwtSecret) == 0 {
		jwtSecret = []byte(os.Getenv(JwtSecretEnvVar))
	}
	if len(jwtSecret) == 0 {
		return nil, fmt.Errorf("Missing jwt secret. Set %s.", JwtSecretEnvVar)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	server := &Server{
		ctx:       cancelCtx,
		cancel:    cancel,
		settings:  settings,
		jwtSecret: jwtSecret,
		hub:       NewHub(cancelCtx, NewLockTable(), NewSchemaStore(), settings.HubSettings),
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", server.handleWs)
	router.GET("/schemas/:id", server.handleLoadSchema)
	router.PUT("/schemas", server.handleSaveSchema)
	router.GET("/schemas/:id/collaborators", server.handleCollaborators)
	router.POST("/schemas/:id/versions", server.handleSaveVersion)
	router.GET("/schemas/:id/versions", server.handleVersions)
	router.POST("/schemas/:id/versions/:version_id/restore", server.handleRestoreVersion)
	router.DELETE("/schemas/:id/versions/:version_id", server.handleDeleteVersion)
	router.GET("/status", server.handleStatus)
	server.router = router

	return server, nil
}

func (self *Server) Handler() http.Handler {
	return self.router
}

func (self *Server) Hub() *Hub {
	return self.hub
}

// serves http and runs the lock expiry until the context is done
func (self *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    self.settings.Addr,
		Handler: self.router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return self.hub.Locks().Run(gctx)
	})
	g.Go(func() error {
		glog.Infof("[relay]listen %s\n", self.settings.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-self.ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), self.settings.ShutdownTimeout)
		defer shutdownCancel()
		self.hub.Close()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (self *Server) Close() {
	self.hub.Close()
	self.cancel()
}

// bearer header, or the `token` query param for clients that cannot set headers
func (self *Server) auth(c *gin.Context) (*collab.AuthClaims, error) {
	authToken := c.Query("token")
	if header := c.GetHeader("Authorization"); header != "" {
		bearer, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return nil, errors.New("Bad authorization header.")
		}
		authToken = bearer
	}
	if authToken == "" {
		return nil, errors.New("Missing auth token.")
	}
	return collab.ParseAuth(authToken, self.jwtSecret)
}

func (self *Server) handleWs(c *gin.Context) {
	claims, err := self.auth(c)
	if err != nil {
		glog.Infof("[relay]ws auth = %s\n", err)
		c.JSON(http.StatusUnauthorized, gin.H{"message": err.Error()})
		return
	}

	ws, err := self.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already responded
		glog.Infof("[relay]upgrade = %s\n", err)
		return
	}
	defer ws.Close()

	join, err := self.readJoin(ws)
	if err != nil {
		glog.Infof("[relay]join = %s\n", err)
		schemaId := ""
		if join != nil {
			schemaId = join.SchemaId
		}
		if message, err := collab.EncodeMessage(schemaId, &collab.ErrorMessage{Message: err.Error()}); err == nil {
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			ws.WriteMessage(websocket.BinaryMessage, message)
		}
		return
	}

	peer := self.hub.Join(join.SchemaId, join.SessionId, claims.UserId, claims.UserName)
	defer self.hub.Leave(peer)

	joinedBytes, err := collab.EncodeMessage(join.SchemaId, &collab.Joined{
		SchemaId:  join.SchemaId,
		SessionId: join.SessionId,
		UserId:    claims.UserId,
		UserName:  claims.UserName,
	})
	if err != nil {
		glog.Infof("[relay]joined = %s\n", err)
		return
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, joinedBytes); err != nil {
		glog.Infof("[relay]joined = %s\n", err)
		return
	}

	self.run(peer, ws)
}

func (self *Server) readJoin(ws *websocket.Conn) (*collab.Join, error) {
	ws.SetReadDeadline(time.Now().Add(self.settings.JoinTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.BinaryMessage {
		return nil, errors.New("Join must be a binary message.")
	}
	frame, err := collab.DecodeFrame(message)
	if err != nil {
		return nil, err
	}
	if frame.Kind != collab.KindJoin {
		return nil, fmt.Errorf("Expected join, got %s.", frame.Kind)
	}
	join := &collab.Join{}
	if err := frame.DecodePayload(join); err != nil {
		return nil, err
	}
	if join.SchemaId == "" || join.SessionId == "" {
		return join, errors.New("Join missing schema_id or session_id.")
	}
	if frame.SchemaId != join.SchemaId {
		return join, errors.New("Join schema mismatch.")
	}
	return join, nil
}

func (self *Server) run(peer *Peer, ws *websocket.Conn) {
	go func() {
		defer func() {
			peer.cancel()
			// unblocks the reader
			ws.Close()
		}()

		for {
			select {
			case <-peer.Done():
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				ws.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				return
			case message := <-peer.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					glog.Infof("[rs]%s-> error = %s\n", peer.SessionId, err)
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-peer.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-peer.Done():
			default:
				glog.V(1).Infof("[rr]%s<- error = %s\n", peer.SessionId, err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				continue
			}
			frame, err := collab.DecodeFrame(message)
			if err != nil {
				glog.Infof("[rr]%s<- bad frame = %s\n", peer.SessionId, err)
				continue
			}
			self.hub.Handle(peer, frame)
		default:
			glog.V(2).Infof("[rr]other=%d %s<-\n", messageType, peer.SessionId)
		}
	}
}

type loadSchemaResponse struct {
	Data       *collab.LoadSchemaResult `json:"data"`
	StatusCode int                      `json:"status_code"`
	Success    bool                     `json:"success"`
}

func (self *Server) handleLoadSchema(c *gin.Context) {
	if _, err := self.auth(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": err.Error()})
		return
	}
	schemaId := c.Param("id")
	details, cells, ok := self.hub.Schemas().Load(schemaId)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": ErrSchemaNotFound.Error()})
		return
	}
	cellsBytes, err := json.Marshal(cells)
	if err != nil {
		glog.Infof("[relay]load %s = %s\n", schemaId, err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, &loadSchemaResponse{
		Data: &collab.LoadSchemaResult{
			Schema:   details,
			Cells:    cellsBytes,
			HasCells: 0 < len(cells),
		},
		StatusCode: http.StatusOK,
		Success:    true,
	})
}

func (self *Server) handleSaveSchema(c *gin.Context) {
	if _, err := self.auth(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": err.Error()})
		return
	}
	args := &collab.SaveSchemaArgs{}
	if err := c.ShouldBindJSON(args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if args.SchemaId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Missing schema_id."})
		return
	}
	self.hub.Schemas().Save(args.SchemaId, args.Cells)
	c.JSON(http.StatusOK, &collab.SaveSchemaResult{
		Success: true,
		Message: "Schema saved.",
	})
}

func (self *Server) handleCollaborators(c *gin.Context) {
	if _, err := self.auth(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": err.Error()})
		return
	}
	schemaId := c.Param("id")
	if !self.hub.Schemas().Exists(schemaId) {
		c.JSON(http.StatusNotFound, gin.H{"message": ErrSchemaNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, &collab.GetCollaboratorsResult{
		Collaborators: self.hub.Schemas().Collaborators(schemaId, self.hub.OnlineUsers(schemaId)),
	})
}

func versionErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrSchemaNotFound), errors.Is(err, ErrVersionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrVersionCurrent):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (self *Server) handleSaveVersion(c *gin.Context) {
	claims, err := self.auth(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": err.Error()})
		return
	}
	args := &collab.SaveVersionArgs{}
	if err := c.ShouldBindJSON(args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	schemaId := c.Param("id")
	version, err := self.hub.Schemas().SaveVersion(schemaId, claims.UserId, args.Comment, args.Cells)
	if err != nil {
		glog.V(1).Infof("[relay]save version %s = %s\n", schemaId, err)
		c.JSON(versionErrorStatus(err), gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, version)
}

func (self *Server) handleVersions(c *gin.Context) {
	if _, err := self.auth(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": err.Error()})
		return
	}
	versions, err := self.hub.Schemas().Versions(c.Param("id"))
	if err != nil {
		c.JSON(versionErrorStatus(err), gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, &collab.ListVersionsResult{
		Versions: versions,
	})
}

func (self *Server) handleRestoreVersion(c *gin.Context) {
	if _, err := self.auth(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": err.Error()})
		return
	}
	versionId, err := collab.ParseId(c.Param("version_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	version, err := self.hub.Schemas().RestoreVersion(c.Param("id"), versionId)
	if err != nil {
		c.JSON(versionErrorStatus(err), gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, version)
}

func (self *Server) handleDeleteVersion(c *gin.Context) {
	if _, err := self.auth(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": err.Error()})
		return
	}
	versionId, err := collab.ParseId(c.Param("version_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := self.hub.Schemas().DeleteVersion(c.Param("id"), versionId); err != nil {
		c.JSON(versionErrorStatus(err), gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, &collab.DeleteVersionResult{
		Success: true,
	})
}

func (self *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, self.hub.Status())
}
