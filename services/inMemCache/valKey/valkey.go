// Package valkey keeps the stream directory: for every stream, the set of
// nodes currently serving it.
package valkey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/common"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/config"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/ds"
	"github.com/marvin-hansen/iggy-streaming-system-sub001/services"
	"github.com/valkey-io/valkey-go"
)

const (
	listCacheTTL = 5 * time.Second
	closeTimeout = 2 * time.Second
)

// ValkeyStreamDirectory implements services.DataStore on valkey sets.
type ValkeyStreamDirectory struct {
	client valkey.Client
	// announced mirrors what this process added, so Close can withdraw it.
	announced *haxmap.Map[string, announcement]
	lock      sync.Mutex
}

type announcement struct {
	key    ds.SubscriptionKey
	nodeID common.NodeID
}

var _ services.DataStore = (*ValkeyStreamDirectory)(nil)

func NewValkeyStreamDirectory(cfg *config.Config) (*ValkeyStreamDirectory, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  cfg.RedisProtoCache.Addr,
		DisableCache: cfg.RedisProtoCache.DisableCache,
	})
	if err != nil {
		return nil, fmt.Errorf("valkey connect: %w", err)
	}
	return &ValkeyStreamDirectory{
		client:    client,
		announced: haxmap.New[string, announcement](),
	}, nil
}

func setKey(key ds.SubscriptionKey) string {
	return common.StreamDirectoryCacheKey(key.String())
}

func announcementID(key ds.SubscriptionKey, nodeID common.NodeID) string {
	return setKey(key) + "/" + string(nodeID)
}

func (c *ValkeyStreamDirectory) AddNodeForStream(ctx context.Context, key ds.SubscriptionKey, nodeID common.NodeID) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	cmd := c.client.B().Sadd().Key(setKey(key)).Member(string(nodeID)).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("add node %s for %s: %w", nodeID, key, err)
	}
	c.announced.Set(announcementID(key, nodeID), announcement{key: key, nodeID: nodeID})
	return nil
}

func (c *ValkeyStreamDirectory) RemoveNodeForStream(ctx context.Context, key ds.SubscriptionKey, nodeID common.NodeID) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	cmd := c.client.B().Srem().Key(setKey(key)).Member(string(nodeID)).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("remove node %s for %s: %w", nodeID, key, err)
	}
	c.announced.Del(announcementID(key, nodeID))
	return nil
}

// ListNodesForStream reads through valkey's client side cache unless it is
// disabled.
func (c *ValkeyStreamDirectory) ListNodesForStream(ctx context.Context, key ds.SubscriptionKey) ([]common.NodeID, error) {
	cmd := c.client.B().Smembers().Key(setKey(key)).Cache()
	members, err := c.client.DoCache(ctx, cmd, listCacheTTL).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("list nodes for %s: %w", key, err)
	}
	nodes := make([]common.NodeID, 0, len(members))
	for _, m := range members {
		nodes = append(nodes, common.NodeID(m))
	}
	return nodes, nil
}

// Close withdraws every announcement still held by this process and closes
// the client.
func (c *ValkeyStreamDirectory) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var left []announcement
	c.announced.ForEach(func(_ string, a announcement) bool {
		left = append(left, a)
		return true
	})
	for _, a := range left {
		_ = c.RemoveNodeForStream(ctx, a.key, a.nodeID)
	}
	c.client.Close()
}
