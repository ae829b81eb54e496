package node

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/calyptra/driftsync/internal/config"
	"github.com/calyptra/driftsync/internal/discovery"
	"github.com/calyptra/driftsync/internal/instance"
	"github.com/calyptra/driftsync/internal/metrics"
	"github.com/calyptra/driftsync/internal/model"
	"github.com/calyptra/driftsync/internal/resolve"
	"github.com/calyptra/driftsync/internal/server"
	"github.com/calyptra/driftsync/internal/session"
	"github.com/calyptra/driftsync/internal/store"
	"github.com/calyptra/driftsync/internal/transport"
	"github.com/calyptra/driftsync/internal/trust"
)

// Node assembles a complete sync node: the versioned store, the trust
// layer, the session manager, and the listeners. Construction wires
// everything; Start binds the listeners.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger

	db        *sql.DB
	registry  *instance.Registry
	store     *store.Store
	buffer    *store.Buffer
	certs     *trust.CertificateStore
	authority *trust.ScopeAuthority
	key       *trust.Key
	cert      *trust.Certificate
	metrics   *metrics.Metrics

	manager       *session.Manager
	syncServer    *transport.Server
	metricsServer *server.MetricsServer
	gossip        *discovery.GossipService

	stopHealth chan struct{}
}

// New builds a node from configuration. The trust material referenced by
// the config must already exist; see the cert init command.
func New(cfg *config.Config, logger *zap.Logger) (*Node, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := store.OpenDatabase(cfg.Storage.DatabaseFile)
	if err != nil {
		return nil, err
	}

	registry, err := instance.NewRegistry(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	m := metrics.NewMetrics(registry.InstanceID())

	resolver := resolve.NewResolver(nil, logger)
	st, err := store.NewStore(db, registry, resolver, cfg.Storage.CacheSize, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	buffer := store.NewBuffer(db, logger)
	if err := buffer.Purge(); err != nil {
		db.Close()
		return nil, err
	}

	certs, err := trust.NewCertificateStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	authority := trust.NewScopeAuthority(certs, logger)

	key, cert, err := loadIdentity(cfg, certs)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := loadTrustedRoots(cfg.Trust.TrustedRootsFile, certs); err != nil {
		db.Close()
		return nil, err
	}
	chain, err := authority.Chain(cert)
	if err != nil {
		db.Close()
		return nil, err
	}

	deps := &session.Deps{
		Store:       st,
		Buffer:      buffer,
		Authority:   authority,
		Registry:    registry,
		Key:         key,
		Certificate: cert,
		Chain:       chain,
		Metrics:     m,
		Logger:      logger,
	}
	manager := session.NewManager(cfg, deps, logger)

	n := &Node{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		registry:   registry,
		store:      st,
		buffer:     buffer,
		certs:      certs,
		authority:  authority,
		key:        key,
		cert:       cert,
		metrics:    m,
		manager:    manager,
		stopHealth: make(chan struct{}),
	}

	syncAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	n.syncServer = transport.NewServer(syncAddr, cfg.Server.HandshakeTimeout, manager.HandleChannel, logger)

	if cfg.Metrics.Enabled {
		n.metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port:    cfg.Metrics.Port,
			DataDir: cfg.Storage.DataDir,
			Ready:   db.Ping,
		}, m, logger)
	}

	return n, nil
}

// loadIdentity reads the node's key and certificate from the configured
// files and makes sure the certificate is present in the store.
func loadIdentity(cfg *config.Config, certs *trust.CertificateStore) (*trust.Key, *trust.Certificate, error) {
	key, err := trust.LoadKey(cfg.Trust.PrivateKeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("no node key at %s (run 'cert init' first): %w", cfg.Trust.PrivateKeyFile, err)
	}
	data, err := os.ReadFile(cfg.Trust.CertificateFile)
	if err != nil {
		return nil, nil, fmt.Errorf("no node certificate at %s (run 'cert init' first): %w", cfg.Trust.CertificateFile, err)
	}
	cert, err := trust.Deserialize(data)
	if err != nil {
		return nil, nil, err
	}
	if err := certs.Put(cert); err != nil {
		return nil, nil, err
	}
	if cert.IsRoot() {
		if err := certs.Trust(cert.ID); err != nil {
			return nil, nil, err
		}
	}
	return key, cert, nil
}

// loadTrustedRoots seeds the trusted root set from the roots file. A
// missing file just means no foreign roots are trusted yet.
func loadTrustedRoots(path string, certs *trust.CertificateStore) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read trusted roots file: %w", err)
	}
	var roots []*trust.Certificate
	if err := json.Unmarshal(data, &roots); err != nil {
		return fmt.Errorf("failed to parse trusted roots file: %w", err)
	}
	for _, root := range roots {
		if err := certs.Put(root); err != nil {
			return err
		}
		if err := certs.Trust(root.ID); err != nil {
			return err
		}
	}
	return nil
}

// Start binds the sync listener and, if configured, the metrics server
// and gossip.
func (n *Node) Start() error {
	if err := n.syncServer.Start(); err != nil {
		return err
	}

	if n.metricsServer != nil {
		if err := n.metricsServer.Start(); err != nil {
			return err
		}
	}

	if n.cfg.Gossip.Enabled {
		syncAddr := fmt.Sprintf("%s:%d", n.cfg.Server.Host, n.cfg.Server.Port)
		gossip, err := discovery.NewGossipService(&n.cfg.Gossip, n.registry.InstanceID(), syncAddr, n.metrics, n.logger)
		if err != nil {
			return err
		}
		n.gossip = gossip
		go n.healthLoop()
	}

	n.logger.Info("Node started",
		zap.String("instance_id", n.registry.InstanceID()),
		zap.String("certificate", n.cert.ID),
		zap.String("scope", n.cert.Scope.String()))
	return nil
}

// healthLoop periodically refreshes the health state gossiped to peers.
func (n *Node) healthLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			records, err := n.store.Count()
			if err != nil {
				n.logger.Warn("Health record count failed", zap.Error(err))
				continue
			}
			stats := n.manager.PoolStats()
			errorRate := 0.0
			if stats.TotalTasks > 0 {
				errorRate = float64(stats.FailedTasks) / float64(stats.TotalTasks)
			}
			n.gossip.UpdateHealth(model.HealthMetrics{
				ActiveSessions:   n.manager.ActiveCount(),
				SessionErrorRate: errorRate,
				RecordsStored:    records,
			})
		case <-n.stopHealth:
			return
		}
	}
}

// SyncWith runs a sync session against a peer address.
func (n *Node) SyncWith(ctx context.Context, addr string, opts session.Options) error {
	return n.manager.SyncWith(ctx, addr, opts)
}

// SyncWithInstance resolves a gossip-discovered peer by instance id and
// syncs with it.
func (n *Node) SyncWithInstance(ctx context.Context, instanceID string, opts session.Options) error {
	if n.gossip == nil {
		return fmt.Errorf("gossip is disabled; peer addresses must be given explicitly")
	}
	addr, ok := n.gossip.PeerAddr(instanceID)
	if !ok {
		return fmt.Errorf("no known sync address for instance %s", instanceID)
	}
	return n.SyncWith(ctx, addr, opts)
}

// Store exposes the record store for local operations.
func (n *Node) Store() *store.Store {
	return n.store
}

// Sessions lists the sessions currently tracked.
func (n *Node) Sessions() []session.Info {
	return n.manager.Sessions()
}

// InstanceID returns this node's instance id.
func (n *Node) InstanceID() string {
	return n.registry.InstanceID()
}

// Stop shuts the node down in dependency order: stop accepting
// connections, drain sessions, then close everything else.
func (n *Node) Stop(ctx context.Context) error {
	n.logger.Info("Node stopping")

	if err := n.syncServer.Shutdown(ctx); err != nil {
		n.logger.Warn("Sync server shutdown failed", zap.Error(err))
	}
	if err := n.manager.Shutdown(n.cfg.Server.ShutdownTimeout); err != nil {
		n.logger.Warn("Session drain failed", zap.Error(err))
	}
	if n.gossip != nil {
		close(n.stopHealth)
		if err := n.gossip.Shutdown(); err != nil {
			n.logger.Warn("Gossip shutdown failed", zap.Error(err))
		}
	}
	if n.metricsServer != nil {
		if err := n.metricsServer.Stop(); err != nil {
			n.logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}
	return n.db.Close()
}
