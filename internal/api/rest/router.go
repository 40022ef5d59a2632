// Package rest provides the Gin-based REST API server.
package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/iggydv12/replicaset/internal/assign"
	"github.com/iggydv12/replicaset/internal/health"
	"github.com/iggydv12/replicaset/internal/indexer"
	"github.com/iggydv12/replicaset/internal/ledger"
	"github.com/iggydv12/replicaset/internal/profile"
	"github.com/iggydv12/replicaset/internal/selection"
)

// Assigner runs replica set assignment.
type Assigner interface {
	AssignIfNecessary(ctx context.Context, userID int64) (assign.Result, error)
}

// ContentSelector picks a content node replica set.
type ContentSelector interface {
	Select(ctx context.Context, opts selection.SelectOptions) (selection.Selection, error)
}

// QuorumSelector samples discovery nodes from distinct operators.
type QuorumSelector interface {
	Select(ctx context.Context, quorumSize int, f health.Filter) ([]health.Candidate, error)
}

// Users creates and reads users on the ledger.
type Users interface {
	CreateUser(ctx context.Context, p profile.UserProfile) (ledger.WriteResult, error)
	Profile(ctx context.Context, userID int64) (profile.UserProfile, error)
}

// Server is the REST API server.
type Server struct {
	engine     *gin.Engine
	users      Users
	assigner   Assigner
	content    ContentSelector
	quorum     QuorumSelector
	quorumSize int
	index      indexer.Client
	logger     *zap.Logger
}

// New creates a REST Server. quorumSize is used when a discovery request
// does not name one.
func New(users Users, a Assigner, content ContentSelector, quorum QuorumSelector, quorumSize int, index indexer.Client, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:     engine,
		users:      users,
		assigner:   a,
		content:    content,
		quorum:     quorum,
		quorumSize: quorumSize,
		index:      index,
		logger:     logger,
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Start starts the REST server on addr.
func (s *Server) Start(addr string) error {
	s.logger.Info("REST API listening", zap.String("addr", addr))
	return s.engine.Run(addr)
}

func (s *Server) registerRoutes() {
	s.engine.GET("/swagger-ui/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/v1")

	users := v1.Group("/users")
	{
		users.POST("", s.createUser)
		users.GET("/:id", s.getUser)
		users.POST("/:id/replica_set", s.assignReplicaSet)
		users.GET("/:id/replica_set", s.indexedReplicaSet)
	}

	sel := v1.Group("/selection")
	{
		sel.POST("/content-nodes", s.selectContentNodes)
		sel.GET("/discovery-nodes", s.selectDiscoveryNodes)
	}
}

// --- User handlers ---

// @Summary Create a user on the ledger
// @Tags users
// @Accept json
// @Produce json
// @Param user body profile.UserProfile true "User profile"
// @Success 201 {object} ledger.WriteResult
// @Router /v1/users [post]
func (s *Server) createUser(c *gin.Context) {
	var p profile.UserProfile
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p = profile.Clean(p)
	if err := profile.Validate(p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.users.CreateUser(c.Request.Context(), p)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": res})
}

func (s *Server) getUser(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	p, err := s.users.Profile(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": p})
}

// @Summary Assign a replica set to a user that has none
// @Tags users
// @Produce json
// @Param id path int true "User id"
// @Success 200 {object} assign.Result
// @Router /v1/users/{id}/replica_set [post]
func (s *Server) assignReplicaSet(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	res, err := s.assigner.AssignIfNecessary(c.Request.Context(), id)
	if err != nil {
		body := gin.H{"error": err.Error()}
		var pe *assign.PhaseError
		if errors.As(err, &pe) {
			body["phase"] = pe.Phase.String()
		}
		c.JSON(statusFor(err), body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res, "phase": res.Phase.String()})
}

// indexedReplicaSet serves the index view that indexer.HTTPClient polls.
func (s *Server) indexedReplicaSet(c *gin.Context) {
	id, ok := userID(c)
	if !ok {
		return
	}
	minBlock, err := strconv.ParseInt(c.DefaultQuery("min_block", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid min_block"})
		return
	}
	r, err := s.index.UserReplicaSet(c.Request.Context(), id, minBlock)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": r})
}

// --- Selection handlers ---

type selectRequest struct {
	PerformSyncCheck bool   `json:"performSyncCheck"`
	Wallet           string `json:"wallet"`
	UserBlockNumber  int64  `json:"userBlockNumber"`
}

// @Summary Select a content node replica set
// @Tags selection
// @Accept json
// @Produce json
// @Success 200 {object} selection.Selection
// @Router /v1/selection/content-nodes [post]
func (s *Server) selectContentNodes(c *gin.Context) {
	var req selectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	sel, err := s.content.Select(c.Request.Context(), selection.SelectOptions{
		PerformSyncCheck: req.PerformSyncCheck,
		Wallet:           req.Wallet,
		UserBlockNumber:  req.UserBlockNumber,
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sel})
}

func (s *Server) selectDiscoveryNodes(c *gin.Context) {
	size, err := strconv.Atoi(c.DefaultQuery("quorum", strconv.Itoa(s.quorumSize)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid quorum"})
		return
	}
	cands, err := s.quorum.Select(c.Request.Context(), size, health.Filter{})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	endpoints := make([]string, len(cands))
	for i, cand := range cands {
		endpoints[i] = cand.Endpoint
	}
	c.JSON(http.StatusOK, gin.H{"data": endpoints})
}

func userID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}

func statusFor(err error) int {
	var (
		quorum *selection.InsufficientOperatorQuorumError
		pe     *assign.PhaseError
	)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, indexer.ErrBlockNotIndexed):
		return http.StatusNotFound
	case errors.Is(err, selection.ErrInvalidQuorumSize):
		return http.StatusBadRequest
	case errors.Is(err, selection.ErrNoPrimarySelected),
		errors.Is(err, selection.ErrIncompleteReplicaSet),
		errors.As(err, &quorum):
		return http.StatusServiceUnavailable
	case errors.As(err, &pe) && pe.Phase == assign.PhaseCleanValidate:
		return http.StatusBadRequest
	case errors.As(err, &pe):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
