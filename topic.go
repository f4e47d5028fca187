package mqttbridge

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidTopicName   = fmt.Errorf("%w: bad topic name", ErrInvalidTopic)
	ErrInvalidTopicFilter = fmt.Errorf("%w: bad topic filter", ErrInvalidTopic)
	ErrEmptyTopic         = fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
)

const (
	topicSeparator      = '/'
	singleLevelWildcard = '+'
	multiLevelWildcard  = '#'
	sharePrefix         = "$share/"
)

// ValidateTopicName validates a topic name used for publishing.
// Topic names cannot contain wildcards and must be valid UTF-8.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if len(topic) > maxUint16 || !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, "\x00+#") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateTopicFilter validates a subscription filter.
// A '+' must occupy a whole level; a '#' must occupy the whole last level.
// Shared subscription filters ($share/{group}/{filter}) are accepted.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}
	if len(filter) > maxUint16 || !utf8.ValidString(filter) || strings.ContainsRune(filter, 0) {
		return ErrInvalidTopicFilter
	}

	if strings.HasPrefix(filter, sharePrefix) {
		group, inner, ok := strings.Cut(filter[len(sharePrefix):], string(topicSeparator))
		if !ok || group == "" || inner == "" || strings.ContainsAny(group, "+#") {
			return ErrInvalidTopicFilter
		}
		filter = inner
	}

	levels := strings.Split(filter, string(topicSeparator))
	for i, level := range levels {
		if strings.ContainsRune(level, singleLevelWildcard) && level != "+" {
			return ErrInvalidTopicFilter
		}
		if strings.ContainsRune(level, multiLevelWildcard) && (level != "#" || i != len(levels)-1) {
			return ErrInvalidTopicFilter
		}
	}
	return nil
}

// TopicMatch reports whether topic matches filter.
// Topics starting with '$' are not matched by a wildcard in the first level.
// For a shared subscription the group prefix is ignored.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if strings.HasPrefix(filter, sharePrefix) {
		_, inner, ok := strings.Cut(filter[len(sharePrefix):], string(topicSeparator))
		if !ok {
			return false
		}
		filter = inner
	}
	if topic[0] == '$' && (filter[0] == singleLevelWildcard || filter[0] == multiLevelWildcard) {
		return false
	}

	fi, ti := 0, 0
	flen, tlen := len(filter), len(topic)
	for {
		fstart := fi
		for fi < flen && filter[fi] != topicSeparator {
			fi++
		}
		flevel := filter[fstart:fi]

		// '#' also matches the parent level: "a/#" matches "a".
		if flevel == "#" {
			return true
		}
		if ti > tlen {
			return false
		}

		tstart := ti
		for ti < tlen && topic[ti] != topicSeparator {
			ti++
		}
		if flevel != "+" && flevel != topic[tstart:ti] {
			return false
		}

		if fi >= flen {
			return ti >= tlen
		}
		fi++
		ti++
	}
}

func containsWildcard(filter string) bool {
	return strings.ContainsAny(filter, "#+")
}

func isSharedSubscription(filter string) bool {
	return strings.HasPrefix(filter, sharePrefix)
}
