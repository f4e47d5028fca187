package mqttbridge

import (
	"errors"
	"fmt"
)

var (
	ErrTopicAliasInvalid  = errors.New("topic alias invalid")
	ErrTopicAliasExceeded = errors.New("topic alias maximum exceeded")
	ErrTopicAliasNotFound = errors.New("topic alias not found")
)

// topicAliases resolves the aliases the broker sets on inbound PUBLISH
// packets. Aliases live for one network connection and are only touched by
// its read loop, so no locking is needed.
type topicAliases struct {
	max    uint16
	topics map[uint16]string
}

func newTopicAliases(limit uint16) *topicAliases {
	return &topicAliases{max: limit, topics: make(map[uint16]string)}
}

// resolve fills in p.Topic from its alias, or records the alias when the
// packet carries both. The alias property is left on the packet.
func (a *topicAliases) resolve(p *PublishPacket) error {
	if p.Properties == nil || p.Properties.TopicAlias == nil {
		if p.Topic == "" {
			return fmt.Errorf("%w: empty topic without alias", ErrTopicAliasInvalid)
		}
		return nil
	}

	alias := *p.Properties.TopicAlias
	if alias == 0 {
		return ErrTopicAliasInvalid
	}
	if alias > a.max {
		return fmt.Errorf("%w: %d > %d", ErrTopicAliasExceeded, alias, a.max)
	}

	if p.Topic != "" {
		a.topics[alias] = p.Topic
		return nil
	}

	topic, ok := a.topics[alias]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTopicAliasNotFound, alias)
	}
	p.Topic = topic
	return nil
}

func (a *topicAliases) len() int {
	return len(a.topics)
}
