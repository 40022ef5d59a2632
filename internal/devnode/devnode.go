// Package devnode is a minimal storage node used for local runs and tests.
// It serves the health, sync and metadata routes the selector and storage
// client talk to.
package devnode

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/iggydv12/replicaset/internal/profile"
)

// Config describes what the node reports about itself.
type Config struct {
	Version               string  `mapstructure:"version"`
	DiskPath              string  `mapstructure:"diskPath"`
	MaxStorageUsedPercent float64 `mapstructure:"maxStorageUsedPercent"`
}

// Association records a user linked to uploaded metadata.
type Association struct {
	UserID           int64  `json:"blockchainUserId"`
	MetadataFileUUID string `json:"metadataFileUUID"`
	BlockNumber      int64  `json:"blockNumber"`
}

// Node is an in-memory storage node.
type Node struct {
	engine *gin.Engine
	cfg    Config
	logger *zap.Logger

	mu           sync.RWMutex
	healthy      bool
	metadata     map[string]profile.UserProfile // fileUUID → metadata
	associations map[int64]Association
	syncBlocks   map[string]int64 // wallet → latest synced block
}

// New creates a Node and registers its routes.
func New(cfg Config, logger *zap.Logger) *Node {
	if cfg.DiskPath == "" {
		cfg.DiskPath = "."
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	n := &Node{
		engine:       engine,
		cfg:          cfg,
		logger:       logger,
		healthy:      true,
		metadata:     make(map[string]profile.UserProfile),
		associations: make(map[int64]Association),
		syncBlocks:   make(map[string]int64),
	}
	n.registerRoutes()
	return n
}

// Handler exposes the router, e.g. for httptest.
func (n *Node) Handler() http.Handler { return n.engine }

// Start serves on addr until the listener fails.
func (n *Node) Start(addr string) error {
	n.logger.Info("Dev storage node listening", zap.String("addr", addr), zap.String("version", n.cfg.Version))
	return n.engine.Run(addr)
}

// SetHealthy toggles the healthy flag in the health payload.
func (n *Node) SetHealthy(ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.healthy = ok
}

// SetSyncBlock sets the latest block this node has synced for wallet.
func (n *Node) SetSyncBlock(wallet string, block int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.syncBlocks[wallet] = block
}

// Association returns the association for userID, if any.
func (n *Node) Association(userID int64) (Association, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	a, ok := n.associations[userID]
	return a, ok
}

// Metadata returns uploaded metadata by file UUID.
func (n *Node) Metadata(fileUUID string) (profile.UserProfile, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.metadata[fileUUID]
	return p, ok
}

func (n *Node) registerRoutes() {
	n.engine.GET("/health_check", n.healthCheck)
	n.engine.GET("/health_check/verbose", n.healthCheckVerbose)
	n.engine.GET("/sync_status/:wallet", n.syncStatus)

	users := n.engine.Group("/audius_users")
	{
		users.POST("", n.associate)
		users.POST("/metadata", n.uploadMetadata)
	}
}

func (n *Node) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"healthy": n.isHealthy()}})
}

func (n *Node) healthCheckVerbose(c *gin.Context) {
	data := gin.H{
		"version": n.cfg.Version,
		"service": "content-node",
		"healthy": n.isHealthy(),
	}
	if n.cfg.MaxStorageUsedPercent > 0 {
		data["maxStorageUsedPercent"] = n.cfg.MaxStorageUsedPercent
	}
	if usage, err := disk.UsageWithContext(c.Request.Context(), n.cfg.DiskPath); err == nil {
		data["storagePathSize"] = usage.Total
		data["storagePathUsed"] = usage.Used
	} else {
		n.logger.Debug("Disk usage unavailable", zap.String("path", n.cfg.DiskPath), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func (n *Node) syncStatus(c *gin.Context) {
	wallet := c.Param("wallet")
	n.mu.RLock()
	block, ok := n.syncBlocks[wallet]
	n.mu.RUnlock()
	if !ok {
		block = -1
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"latestBlockNumber": block}})
}

func (n *Node) uploadMetadata(c *gin.Context) {
	var body struct {
		Metadata    profile.UserProfile `json:"metadata"`
		BlockNumber *int64              `json:"blockNumber"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	raw, _ := json.Marshal(body.Metadata)
	sum := sha256.Sum256(raw)
	fileUUID := uuid.NewString()

	n.mu.Lock()
	n.metadata[fileUUID] = body.Metadata
	n.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"metadataMultihash": "Qm" + hex.EncodeToString(sum[:])[:44],
		"metadataFileUUID":  fileUUID,
	}})
}

func (n *Node) associate(c *gin.Context) {
	var a Association
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	md, ok := n.metadata[a.MetadataFileUUID]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown metadataFileUUID"})
		return
	}
	n.associations[a.UserID] = a
	if md.Wallet != "" && a.BlockNumber > n.syncBlocks[md.Wallet] {
		n.syncBlocks[md.Wallet] = a.BlockNumber
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{}})
}

func (n *Node) isHealthy() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.healthy
}
