package common

import "fmt"

type CachePrefix int

const (
	streamDirectory CachePrefix = iota // 0
)

const cacheKeyFormat = "%d-%s"
const dataSubjFormat = "ims.data.%s"
const consumerNameFormat = "ims-node-%s"

// StreamDirectoryCacheKey is the valkey set holding the nodes that serve stream.
func StreamDirectoryCacheKey(stream string) string {
	return fmt.Sprintf(cacheKeyFormat, streamDirectory, stream)
}

// DataSubjFormat returns the bus subject bars of the given kind are published on.
func DataSubjFormat(kind string) string {
	return fmt.Sprintf(dataSubjFormat, kind)
}

func ConsumerNameForNode(nodeID NodeID) string {
	return fmt.Sprintf(consumerNameFormat, nodeID)
}

const IMSDataStreamName = "ims-data"

type (
	ClientID uint16
	NodeID   string
)
