// Package objectstorage lists, uploads and deletes table data objects.
package objectstorage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/filemanager"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/glue-table-swap/location"
	"github.com/rudderlabs/glue-table-swap/utils/awsutils"
)

// Object is a stored object under a bucket.
type Object struct {
	Key          string
	LastModified time.Time
}

// Store is an object store scoped to a single bucket.
type Store struct {
	bucket string
	fm     filemanager.FileManager
	logger logger.Logger

	config struct {
		deleteBatchSize int
		listPageSize    int64
		timeout         time.Duration
	}
}

func newStore(bucket string, fm filemanager.FileManager, conf *config.Config, log logger.Logger) *Store {
	s := &Store{
		bucket: bucket,
		fm:     fm,
		logger: log.Child("objectstorage").Withn(logger.NewStringField("bucket", bucket)),
	}
	s.config.deleteBatchSize = conf.GetIntVar(1000, 1, "ObjectStorage.deleteBatchSize")
	s.config.listPageSize = conf.GetInt64Var(1000, 1, "ObjectStorage.listPageSize")
	s.config.timeout = conf.GetDurationVar(120, time.Second, "ObjectStorage.timeout")
	return s
}

func (s *Store) Bucket() string {
	return s.bucket
}

// Upload uploads the local file as <keyPrefix>/<basename> and returns the
// location of the uploaded object.
func (s *Store) Upload(ctx context.Context, file *os.File, keyPrefix string) (location.Location, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.timeout)
	defer cancel()

	uploaded, err := s.fm.Upload(ctx, file, strings.TrimSuffix(keyPrefix, "/"))
	if err != nil {
		return location.Location{}, fmt.Errorf("uploading %s to %s: %w", file.Name(), keyPrefix, err)
	}
	return location.Location{Bucket: s.bucket, Key: uploaded.ObjectName}, nil
}

// List returns every object under prefix, up to limit objects when limit > 0.
func (s *Store) List(ctx context.Context, prefix string, limit int) ([]Object, error) {
	pageSize := s.config.listPageSize
	if limit > 0 && int64(limit) < pageSize {
		pageSize = int64(limit)
	}

	var objects []Object
	session := s.fm.ListFilesWithPrefix(ctx, "", prefix, pageSize)
	for {
		files, err := session.Next()
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, err)
		}
		if len(files) == 0 {
			break
		}
		for _, f := range files {
			objects = append(objects, Object{Key: f.Key, LastModified: f.LastModified})
			if limit > 0 && len(objects) == limit {
				return objects, nil
			}
		}
	}
	return objects, nil
}

// IsEmpty reports whether there are no objects under prefix.
func (s *Store) IsEmpty(ctx context.Context, prefix string) (bool, error) {
	objects, err := s.List(ctx, prefix, 1)
	if err != nil {
		return false, err
	}
	return len(objects) == 0, nil
}

// Put uploads content as <keyPrefix>/<name>.
func (s *Store) Put(ctx context.Context, keyPrefix, name string, content []byte) (location.Location, error) {
	dir, err := os.MkdirTemp("", "objectstorage-put-*")
	if err != nil {
		return location.Location{}, fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	filePath := filepath.Join(dir, name)
	if err := os.WriteFile(filePath, content, 0o600); err != nil {
		return location.Location{}, fmt.Errorf("writing %s: %w", filePath, err)
	}
	f, err := os.Open(filePath)
	if err != nil {
		return location.Location{}, fmt.Errorf("opening %s: %w", filePath, err)
	}
	defer func() { _ = f.Close() }()

	return s.Upload(ctx, f, keyPrefix)
}

// DeletePrefix deletes every object under prefix and returns how many were
// deleted.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if strings.Trim(prefix, "/") == "" {
		return 0, fmt.Errorf("refusing to delete the whole bucket %s", s.bucket)
	}

	objects, err := s.List(ctx, prefix, 0)
	if err != nil {
		return 0, err
	}

	deleted, err := s.Delete(ctx, lo.Map(objects, func(o Object, _ int) string { return o.Key }))
	if err != nil {
		return deleted, fmt.Errorf("deleting objects under %s: %w", prefix, err)
	}
	s.logger.Debugn("Deleted objects",
		logger.NewStringField("prefix", prefix),
		logger.NewIntField("count", int64(deleted)),
	)
	return deleted, nil
}

// Delete deletes the objects with the given keys and returns how many were
// deleted.
func (s *Store) Delete(ctx context.Context, keys []string) (int, error) {
	var deleted int
	for _, batch := range lo.Chunk(keys, s.config.deleteBatchSize) {
		if err := s.fm.Delete(ctx, batch); err != nil {
			return deleted, err
		}
		deleted += len(batch)
	}
	return deleted, nil
}

// Download writes the object with the given key into dst.
func (s *Store) Download(ctx context.Context, key string, dst *os.File) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.timeout)
	defer cancel()

	if err := s.fm.Download(ctx, dst, key); err != nil {
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	return nil
}

// Factory creates stores sharing the same provider and credentials.
type Factory struct {
	conf        *config.Config
	logger      logger.Logger
	provider    string
	credentials awsutils.Credentials
	newFM       func(settings *filemanager.Settings) (filemanager.FileManager, error)

	storesMu sync.Mutex
	stores   map[string]*Store
}

func NewFactory(conf *config.Config, log logger.Logger) *Factory {
	return &Factory{
		conf:        conf,
		logger:      log,
		provider:    conf.GetStringVar("S3", "ObjectStorage.provider"),
		credentials: awsutils.CredentialsFromConfig(conf),
		newFM:       filemanager.New,
		stores:      make(map[string]*Store),
	}
}

// Store returns the store for bucket, creating it on first use.
func (f *Factory) Store(bucket string) (*Store, error) {
	f.storesMu.Lock()
	defer f.storesMu.Unlock()

	if s, ok := f.stores[bucket]; ok {
		return s, nil
	}

	providerConfig, err := f.credentials.ProviderConfig()
	if err != nil {
		return nil, err
	}
	providerConfig["bucketName"] = bucket
	if f.credentials.Endpoint != "" {
		providerConfig["endPoint"] = f.credentials.Endpoint
	}

	fm, err := f.newFM(&filemanager.Settings{
		Provider: f.provider,
		Config:   providerConfig,
		Logger:   f.logger,
		Conf:     f.conf,
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s file manager for bucket %s: %w", f.provider, bucket, err)
	}

	s := newStore(bucket, fm, f.conf, f.logger)
	f.stores[bucket] = s
	return s, nil
}

// StoreFor returns the store for the bucket of loc.
func (f *Factory) StoreFor(loc location.Location) (*Store, error) {
	return f.Store(loc.Bucket)
}
