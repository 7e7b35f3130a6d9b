package testhelper

import (
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/testhelper/docker/resource/minio"
)

// SetMinioConfig points the object storage and AWS settings of c at a MinIO
// container.
func SetMinioConfig(c *config.Config, minioResource *minio.Resource) {
	c.Set("ObjectStorage.provider", "MINIO")
	c.Set("AWS.region", minioResource.Region)
	c.Set("AWS.accessKeyID", minioResource.AccessKeyID)
	c.Set("AWS.accessKey", minioResource.AccessKeySecret)
	c.Set("AWS.endpoint", minioResource.Endpoint)
	c.Set("AWS.disableSSL", true)
}
