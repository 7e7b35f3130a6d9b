package location

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var ErrInvalidPartitionPath = errors.New("invalid partition path")

var partitionSegmentRegex = regexp.MustCompile(`^(?P<name>[^=]+)=(?P<value>.*)$`)

// PartitionPath returns the hive style location <l>/<k1>=<v1>/<k2>=<v2>.
func PartitionPath(l Location, keys, values []string) (Location, error) {
	if len(keys) != len(values) {
		return Location{}, fmt.Errorf("%w: %d keys for %d values", ErrInvalidPartitionPath, len(keys), len(values))
	}

	segments := make([]string, 0, len(keys))
	for i, key := range keys {
		segments = append(segments, key+"="+url.PathEscape(values[i]))
	}
	return l.Join(segments...), nil
}

// ParsePartitionPath extracts the partition values from an object key stored
// under root. The key must start with one <key>=<value> segment per partition
// key, in order.
func ParsePartitionPath(root Location, objectKey string, keys []string) ([]string, error) {
	relative, ok := strings.CutPrefix(objectKey, root.Prefix())
	if !ok {
		return nil, fmt.Errorf("%w: %s is not under %s", ErrInvalidPartitionPath, objectKey, root)
	}

	segments := strings.Split(relative, "/")
	// the last segment is the object name
	if len(segments) <= len(keys) {
		return nil, fmt.Errorf("%w: %s has fewer than %d partition segments", ErrInvalidPartitionPath, objectKey, len(keys))
	}

	values := make([]string, 0, len(keys))
	for i, key := range keys {
		groups, err := CaptureRegexGroup(partitionSegmentRegex, segments[i])
		if err != nil {
			return nil, fmt.Errorf("%w: segment %q: %v", ErrInvalidPartitionPath, segments[i], err)
		}
		if groups["name"] != key {
			return nil, fmt.Errorf("%w: expected key %q, got %q", ErrInvalidPartitionPath, key, groups["name"])
		}

		value, err := url.PathUnescape(groups["value"])
		if err != nil {
			return nil, fmt.Errorf("%w: unescape %q: %v", ErrInvalidPartitionPath, groups["value"], err)
		}
		values = append(values, value)
	}
	return values, nil
}
