package domain

import (
	"slices"
	"time"
)

// NodeStatus enumerates builder node states.
type NodeStatus string

const (
	NodeProvisioning NodeStatus = "provisioning"
	NodeReady        NodeStatus = "ready"
	NodeBusy         NodeStatus = "busy"
	NodeUnhealthy    NodeStatus = "unhealthy"
	NodeTerminating  NodeStatus = "terminating"
)

// Resources describes node capacity.
type Resources struct {
	CPUs     int `json:"cpus"`
	MemoryGB int `json:"memoryGB"`
}

// BuilderNode is a unit of build capacity. Its JSON form is the shared snapshot.
type BuilderNode struct {
	ID             string       `json:"id"`
	Architecture   Architecture `json:"architecture"`
	Region         string       `json:"region"`
	Status         NodeStatus   `json:"status"`
	MaxConcurrency int          `json:"maxConcurrency"`
	CurrentBuilds  int          `json:"currentBuilds"`
	CacheVolumes   []string     `json:"cacheVolumes"`
	LastHeartbeat  time.Time    `json:"lastHeartbeat"`
	LastAssigned   time.Time    `json:"lastAssigned"`
	Resources      Resources    `json:"resources"`
}

// HasCache reports whether cacheID is attached to the node.
func (n *BuilderNode) HasCache(cacheID string) bool {
	return cacheID != "" && slices.Contains(n.CacheVolumes, cacheID)
}

// AttachCache adds cacheID to the attached volume set.
func (n *BuilderNode) AttachCache(cacheID string) {
	if cacheID == "" || n.HasCache(cacheID) {
		return
	}
	n.CacheVolumes = append(n.CacheVolumes, cacheID)
}

// HasCapacity reports whether another build fits.
func (n *BuilderNode) HasCapacity() bool {
	return n.CurrentBuilds < n.MaxConcurrency
}

// Accepts reports whether a build for arch with cacheID may be placed on the node.
func (n *BuilderNode) Accepts(arch Architecture, cacheID string) bool {
	return n.Status == NodeReady && n.Architecture == arch && n.HasCapacity() && n.HasCache(cacheID)
}

// Release decrements the build counter, never below zero.
func (n *BuilderNode) Release() {
	if n.CurrentBuilds > 0 {
		n.CurrentBuilds--
	}
}

// Clone returns a deep copy safe to hand outside a lock.
func (n *BuilderNode) Clone() BuilderNode {
	c := *n
	c.CacheVolumes = slices.Clone(n.CacheVolumes)
	return c
}
