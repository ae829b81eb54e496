package discovery

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/calyptra/driftsync/internal/config"
	"github.com/calyptra/driftsync/internal/metrics"
	"github.com/calyptra/driftsync/internal/model"
)

// GossipService manages peer membership and health propagation. Each
// node advertises its sync listener address in its metadata, so peers
// discovered over gossip can be dialed for sync sessions without any
// central registry.
type GossipService struct {
	config     *config.GossipConfig
	memberlist *memberlist.Memberlist
	instanceID string
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu         sync.RWMutex
	healthData *model.NodeHealth
	peers      map[string]model.NodeHealth
}

// NewGossipService creates the gossip service and joins the seed nodes.
// syncAddr is the host:port peers should dial for sync sessions.
func NewGossipService(cfg *config.GossipConfig, instanceID, syncAddr string, m *metrics.Metrics, logger *zap.Logger) (*GossipService, error) {
	gs := &GossipService{
		config:     cfg,
		instanceID: instanceID,
		metrics:    m,
		logger:     logger,
		healthData: &model.NodeHealth{
			InstanceID: instanceID,
			SyncAddr:   syncAddr,
			Status:     model.NodeStatusHealthy,
			Timestamp:  time.Now().Unix(),
		},
		peers: make(map[string]model.NodeHealth),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = instanceID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.GossipInterval = cfg.GossipInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.Delegate = gs
	mlConfig.Events = &gossipEventDelegate{service: gs}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return gs, nil
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	s.mu.RLock()
	data, _ := json.Marshal(s.healthData)
	s.mu.RUnlock()
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	var health model.NodeHealth
	if err := json.Unmarshal(data, &health); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	s.metrics.RecordGossipMessage("health")
	s.recordPeer(health)
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, _ := json.Marshal(s.healthData)
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	var health model.NodeHealth
	if err := json.Unmarshal(buf, &health); err != nil {
		return
	}
	s.recordPeer(health)
}

func (s *GossipService) recordPeer(health model.NodeHealth) {
	if health.InstanceID == "" || health.InstanceID == s.instanceID {
		return
	}
	s.mu.Lock()
	s.peers[health.InstanceID] = health
	s.mu.Unlock()
	s.logger.Debug("Received peer health",
		zap.String("instance_id", health.InstanceID),
		zap.String("status", string(health.Status)))
}

// UpdateHealth refreshes the health state advertised to peers.
func (s *GossipService) UpdateHealth(m model.HealthMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthData.Timestamp = time.Now().Unix()
	s.healthData.Metrics = m

	switch {
	case m.SessionErrorRate > 0.5:
		s.healthData.Status = model.NodeStatusUnhealthy
	case m.SessionErrorRate > 0.1:
		s.healthData.Status = model.NodeStatusDegraded
	default:
		s.healthData.Status = model.NodeStatusHealthy
	}
}

// Peers returns the sync nodes currently known through gossip, keyed by
// instance id. Entries carry the peer's dialable sync address.
func (s *GossipService) Peers() map[string]model.NodeHealth {
	out := make(map[string]model.NodeHealth)
	for _, member := range s.memberlist.Members() {
		if member.Name == s.instanceID {
			continue
		}
		var health model.NodeHealth
		if err := json.Unmarshal(member.Meta, &health); err != nil {
			continue
		}
		out[health.InstanceID] = health
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, health := range s.peers {
		if _, ok := out[id]; !ok {
			out[id] = health
		}
	}
	return out
}

// PeerAddr looks up the sync address of a peer by instance id.
func (s *GossipService) PeerAddr(instanceID string) (string, bool) {
	peers := s.Peers()
	health, ok := peers[instanceID]
	if !ok || health.SyncAddr == "" {
		return "", false
	}
	return health.SyncAddr, true
}

// MemberCount returns the current gossip membership size.
func (s *GossipService) MemberCount() int {
	return s.memberlist.NumMembers()
}

// Shutdown leaves the cluster and stops gossiping.
func (s *GossipService) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Gossip leave failed", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// gossipEventDelegate handles memberlist events
type gossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("instance_id", node.Name),
		zap.String("addr", node.Address()))
	d.service.updateMemberMetrics()
}

// NotifyLeave is called when a node leaves
func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left", zap.String("instance_id", node.Name))
	d.service.mu.Lock()
	delete(d.service.peers, node.Name)
	d.service.mu.Unlock()
	d.service.updateMemberMetrics()
}

// NotifyUpdate is called when a node's metadata changes
func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	var health model.NodeHealth
	if err := json.Unmarshal(node.Meta, &health); err != nil {
		return
	}
	d.service.recordPeer(health)
	d.service.updateMemberMetrics()
}

func (s *GossipService) updateMemberMetrics() {
	total := s.memberlist.NumMembers()
	healthy := 0
	for _, health := range s.Peers() {
		if health.Status == model.NodeStatusHealthy {
			healthy++
		}
	}
	// Count ourselves as healthy.
	s.metrics.UpdateGossipStats(total, healthy+1)
}
