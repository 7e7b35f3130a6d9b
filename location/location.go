// Package location models object storage locations used by catalog tables
// and allocates versioned shadow locations for overwrites.
package location

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	versionPrefix = "version_"

	// DefaultMaxProbes bounds the number of candidate versions Allocate inspects.
	DefaultMaxProbes = 100
)

var (
	ErrInvalidLocation = errors.New("invalid location")
	ErrNotVersioned    = errors.New("location is not versioned")
	ErrNoFreeLocation  = errors.New("no free location")
)

var (
	versionRegex = regexp.MustCompile(`^version_(?P<version>\d+)$`)

	// https://bucket.s3.amazonaws.com/key, https://bucket.s3.region.amazonaws.com/key
	virtualHostedRegex = regexp.MustCompile(`^https?://(?P<bucket>[^/]+)\.s3[.-](?:(?P<region>[^/]+)\.)?amazonaws\.com/(?P<key>.*)$`)
	// https://s3.amazonaws.com/bucket/key, https://s3.region.amazonaws.com/bucket/key
	pathStyleRegex = regexp.MustCompile(`^https?://s3[.-](?:(?P<region>[^/]+)\.)?amazonaws\.com/(?P<bucket>[^/]+)/(?P<key>.*)$`)
)

var schemes = []string{"s3://", "s3a://", "s3n://"}

// Location points at a prefix inside a bucket. Key never carries leading or
// trailing slashes.
type Location struct {
	Bucket string
	Key    string
}

// Parse parses s3, s3a and s3n URIs as well as https S3 object URLs.
func Parse(uri string) (Location, error) {
	uri = strings.TrimSpace(uri)

	for _, scheme := range schemes {
		if rest, ok := strings.CutPrefix(uri, scheme); ok {
			bucket, key, _ := strings.Cut(rest, "/")
			if bucket == "" {
				return Location{}, fmt.Errorf("%w: missing bucket in %q", ErrInvalidLocation, uri)
			}
			return Location{Bucket: bucket, Key: strings.Trim(key, "/")}, nil
		}
	}

	for _, re := range []*regexp.Regexp{virtualHostedRegex, pathStyleRegex} {
		if groups, err := CaptureRegexGroup(re, uri); err == nil {
			return Location{Bucket: groups["bucket"], Key: strings.Trim(groups["key"], "/")}, nil
		}
	}
	return Location{}, fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidLocation, uri)
}

// MustParse is like Parse but panics on error.
func MustParse(uri string) Location {
	loc, err := Parse(uri)
	if err != nil {
		panic(err)
	}
	return loc
}

// String renders the location as an s3 URI with a trailing slash.
func (l Location) String() string {
	if l.Key == "" {
		return fmt.Sprintf("s3://%s/", l.Bucket)
	}
	return fmt.Sprintf("s3://%s/%s/", l.Bucket, l.Key)
}

// Prefix is the object key prefix of every object stored under the location.
func (l Location) Prefix() string {
	if l.Key == "" {
		return ""
	}
	return l.Key + "/"
}

func (l Location) IsZero() bool {
	return l.Bucket == ""
}

// Join appends path segments to the location.
func (l Location) Join(parts ...string) Location {
	segments := make([]string, 0, len(parts)+1)
	if l.Key != "" {
		segments = append(segments, l.Key)
	}
	for _, part := range parts {
		if part = strings.Trim(part, "/"); part != "" {
			segments = append(segments, part)
		}
	}
	return Location{Bucket: l.Bucket, Key: strings.Join(segments, "/")}
}

// Contains reports whether other is l itself or lives underneath it.
func (l Location) Contains(other Location) bool {
	if l.Bucket != other.Bucket {
		return false
	}
	return strings.HasPrefix(other.Prefix(), l.Prefix())
}

// Overlaps reports whether either location contains the other.
func (l Location) Overlaps(other Location) bool {
	return l.Contains(other) || other.Contains(l)
}

func (l Location) lastSegment() string {
	if i := strings.LastIndex(l.Key, "/"); i >= 0 {
		return l.Key[i+1:]
	}
	return l.Key
}

func (l Location) parent() Location {
	if i := strings.LastIndex(l.Key, "/"); i >= 0 {
		return Location{Bucket: l.Bucket, Key: l.Key[:i]}
	}
	return Location{Bucket: l.Bucket}
}

// Version returns n for locations ending in version_<n>.
func Version(l Location) (int, error) {
	groups, err := CaptureRegexGroup(versionRegex, l.lastSegment())
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrNotVersioned, l)
	}
	return strconv.Atoi(groups["version"])
}

// Base strips the version segment. Unversioned locations are returned as is.
func Base(l Location) Location {
	if _, err := Version(l); err != nil {
		return l
	}
	return l.parent()
}

// AtVersion returns <base>/version_<n>.
func AtVersion(base Location, version int) Location {
	return base.Join(versionPrefix + strconv.Itoa(version))
}

// Initial is the location of the very first write of a table.
func Initial(base Location) Location {
	return AtVersion(base, 0)
}

// Next returns the location of the version following l.
func Next(l Location) (Location, error) {
	version, err := Version(l)
	if err != nil {
		return Location{}, err
	}
	return AtVersion(l.parent(), version+1), nil
}

// VersionRoot returns the closest versioned ancestor of l, l included. It is
// used to find the table version a partition location belongs to.
func VersionRoot(l Location) (Location, bool) {
	for current := l; current.Key != ""; current = current.parent() {
		if _, err := Version(current); err == nil {
			return current, true
		}
	}
	return Location{}, false
}

// VersionOfKey returns the version of the version_<n> segment directly below
// base that objectKey is stored under.
func VersionOfKey(base Location, objectKey string) (int, bool) {
	relative, ok := strings.CutPrefix(objectKey, base.Prefix())
	if !ok {
		return 0, false
	}
	segment, _, found := strings.Cut(relative, "/")
	if !found {
		return 0, false
	}
	version, err := Version(Location{Bucket: base.Bucket, Key: segment})
	if err != nil {
		return 0, false
	}
	return version, true
}

// InUseFunc reports whether a candidate location is referenced by a catalog
// entry or already holds data.
type InUseFunc func(ctx context.Context, candidate Location) (bool, error)

// Allocate probes start and the versions following it, returning the first
// candidate inUse reports free. start must be versioned.
func Allocate(ctx context.Context, start Location, inUse InUseFunc, maxProbes int) (Location, error) {
	if maxProbes <= 0 {
		maxProbes = DefaultMaxProbes
	}
	if _, err := Version(start); err != nil {
		return Location{}, err
	}

	candidate := start
	for i := 0; i < maxProbes; i++ {
		if err := ctx.Err(); err != nil {
			return Location{}, err
		}

		used, err := inUse(ctx, candidate)
		if err != nil {
			return Location{}, fmt.Errorf("checking %s: %w", candidate, err)
		}
		if !used {
			return candidate, nil
		}

		if candidate, err = Next(candidate); err != nil {
			return Location{}, err
		}
	}
	return Location{}, fmt.Errorf("%w: %d candidates starting at %s are in use", ErrNoFreeLocation, maxProbes, start)
}

// CaptureRegexGroup returns the named groups of r matched against pattern.
func CaptureRegexGroup(r *regexp.Regexp, pattern string) (groups map[string]string, err error) {
	if !r.MatchString(pattern) {
		err = fmt.Errorf("regex does not match pattern %s", pattern)
		return
	}
	m := r.FindStringSubmatch(pattern)
	groups = make(map[string]string)
	for i, name := range r.SubexpNames() {
		if name == "" {
			continue
		}
		if i > 0 && i <= len(m) {
			groups[name] = m[i]
		}
	}
	return
}
