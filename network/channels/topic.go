package channels

import (
	"fmt"
	"strings"

	"github.com/multiformats/go-multihash"
)

// TopicPrefix is prepended to every document topic. The version segment is bumped whenever
// the frame encoding changes incompatibly, so that peers running different encodings never
// share a topic.
const TopicPrefix = "/braid/1/doc/"

// Topic is the gossip topic a document path maps to.
// It is a virtual medium enabling nodes to subscribe and communicate over epidemic dissemination.
type Topic string

func (t Topic) String() string {
	return string(t)
}

// TopicFromPath returns the topic for the given document path: the base58 encoded SHA2-256
// multihash of the path bytes, under TopicPrefix. Any two peers subscribing to the same path
// string compute the same topic without coordination.
func TopicFromPath(path string) Topic {
	mh, err := multihash.Sum([]byte(path), multihash.SHA2_256, -1)
	if err != nil {
		// sha2-256 is always registered with multihash
		panic(fmt.Errorf("could not hash document path: %w", err))
	}
	return Topic(TopicPrefix + mh.B58String())
}

// IsDocumentTopic returns true if the topic was produced by TopicFromPath.
func IsDocumentTopic(topic Topic) bool {
	digest, ok := strings.CutPrefix(topic.String(), TopicPrefix)
	if !ok {
		return false
	}
	mh, err := multihash.FromB58String(digest)
	if err != nil {
		return false
	}
	decoded, err := multihash.Decode(mh)
	return err == nil && decoded.Code == multihash.SHA2_256
}
