package awsutils

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/mitchellh/mapstructure"

	"github.com/rudderlabs/rudder-go-kit/awsutil"
	"github.com/rudderlabs/rudder-go-kit/config"
)

// Credentials are the AWS settings shared by the catalog and object storage clients.
type Credentials struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"accessKeyID"`
	AccessKey       string `mapstructure:"accessKey"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	RoleBasedAuth   bool   `mapstructure:"roleBasedAuth"`
	IAMRoleARN      string `mapstructure:"iamRoleARN"`
	ExternalID      string `mapstructure:"externalID"`
	Endpoint        string `mapstructure:"endpoint,omitempty"`
	ForcePathStyle  bool   `mapstructure:"s3ForcePathStyle"`
	DisableSSL      bool   `mapstructure:"disableSSL"`
	UseSSL          bool   `mapstructure:"useSSL"`

	Timeout time.Duration `mapstructure:"-"`
}

func CredentialsFromConfig(conf *config.Config) Credentials {
	endpoint := conf.GetStringVar("", "AWS.endpoint")
	disableSSL := conf.GetBoolVar(false, "AWS.disableSSL")
	iamRoleARN := conf.GetStringVar("", "AWS.iamRoleARN")
	accessKey := conf.GetStringVar("", "AWS.accessKey")
	return Credentials{
		Region:          conf.GetStringVar("us-east-1", "AWS.region"),
		AccessKeyID:     conf.GetStringVar("", "AWS.accessKeyID"),
		AccessKey:       accessKey,
		SecretAccessKey: accessKey,
		RoleBasedAuth:   iamRoleARN != "",
		IAMRoleARN:      iamRoleARN,
		ExternalID:      conf.GetStringVar("", "AWS.externalID"),
		Endpoint:        endpoint,
		ForcePathStyle:  endpoint != "",
		DisableSSL:      disableSSL,
		UseSSL:          !disableSSL,
		Timeout:         conf.GetDurationVar(60, time.Second, "AWS.timeout"),
	}
}

// ProviderConfig returns the credentials in the map form understood by
// rudder-go-kit awsutil and filemanager.
func (c Credentials) ProviderConfig() (map[string]any, error) {
	providerConfig := make(map[string]any)
	if err := mapstructure.Decode(c, &providerConfig); err != nil {
		return nil, fmt.Errorf("decoding provider config: %w", err)
	}
	return providerConfig, nil
}

// NewSessionConfig builds a rudder-go-kit session config for serviceName.
func NewSessionConfig(c Credentials, serviceName string) (*awsutil.SessionConfig, error) {
	providerConfig, err := c.ProviderConfig()
	if err != nil {
		return nil, err
	}
	sessionConfig, err := awsutil.NewSimpleSessionConfig(providerConfig, serviceName)
	if err != nil {
		return nil, fmt.Errorf("[%s] creating session config: %w", serviceName, err)
	}
	if c.Timeout > 0 {
		timeout := c.Timeout
		sessionConfig.Timeout = &timeout
	}
	return sessionConfig, nil
}

func CreateSession(c Credentials, serviceName string) (*session.Session, error) {
	sessionConfig, err := NewSessionConfig(c, serviceName)
	if err != nil {
		return nil, err
	}
	awsSession, err := awsutil.CreateSession(sessionConfig)
	if err != nil {
		return nil, fmt.Errorf("[%s] creating session: %w", serviceName, err)
	}
	return awsSession, nil
}
