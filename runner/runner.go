// Package runner wires configuration, logging, stats and the AWS clients into
// the tableswap command line application.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go/service/glue"
	"github.com/aws/aws-sdk-go/service/glue/glueiface"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	svcMetric "github.com/rudderlabs/rudder-go-kit/stats/metric"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/glue-table-swap/catalog"
	"github.com/rudderlabs/glue-table-swap/objectstorage"
	"github.com/rudderlabs/glue-table-swap/swap"
	"github.com/rudderlabs/glue-table-swap/utils/awsutils"
	"github.com/rudderlabs/glue-table-swap/writer"
)

// ReleaseInfo holds the release information
type ReleaseInfo struct {
	Version   string
	Commit    string
	BuildDate string
	BuiltBy   string
}

type Opt func(*Runner)

// WithConfig replaces the configuration read from the environment.
func WithConfig(conf *config.Config) Opt {
	return func(r *Runner) { r.conf = conf }
}

// WithGlueClient replaces the Glue client created from the AWS settings.
func WithGlueClient(client glueiface.GlueAPI) Opt {
	return func(r *Runner) { r.glueClient = client }
}

func WithStats(statsFactory stats.Stats) Opt {
	return func(r *Runner) { r.statsFactory = statsFactory }
}

func WithLogger(log logger.Logger) Opt {
	return func(r *Runner) { r.logger = log }
}

func WithOutput(w io.Writer) Opt {
	return func(r *Runner) { r.stdout = w }
}

// Runner is responsible for running the application
type Runner struct {
	releaseInfo   ReleaseInfo
	conf          *config.Config
	loggerFactory *logger.Factory
	logger        logger.Logger
	statsFactory  stats.Stats
	stopStats     func()
	glueClient    glueiface.GlueAPI
	stdout        io.Writer
}

func New(releaseInfo ReleaseInfo, opts ...Opt) *Runner {
	r := &Runner{
		releaseInfo: releaseInfo,
		stdout:      os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.conf == nil {
		r.conf = config.New(config.WithEnvPrefix("TABLESWAP"))
	}
	return r
}

// Run runs the application and returns the exit code
func (r *Runner) Run(ctx context.Context, args []string) int {
	err := r.app().RunContext(ctx, args)
	if r.stopStats != nil {
		r.stopStats()
	}
	if err != nil {
		r.setupLogging()
		r.logger.Errorn("Command failed", obskit.Error(err))
		return 1
	}
	return 0
}

// setupLogging creates the logger once env files are loaded, so that logging
// settings read from them apply.
func (r *Runner) setupLogging() {
	if r.loggerFactory == nil {
		r.loggerFactory = logger.NewFactory(r.conf)
	}
	if r.logger == nil {
		r.logger = r.loggerFactory.NewLogger().Child("tableswap")
	}
}

func (r *Runner) startStats(ctx context.Context) error {
	if r.statsFactory != nil {
		return nil
	}
	statsFactory := stats.NewStats(r.conf, r.loggerFactory, svcMetric.Instance,
		stats.WithServiceName("tableswap"),
		stats.WithServiceVersion(r.releaseInfo.Version),
	)
	if err := statsFactory.Start(ctx, stats.DefaultGoRoutineFactory); err != nil {
		return fmt.Errorf("starting stats: %w", err)
	}
	r.statsFactory = statsFactory
	r.stopStats = statsFactory.Stop
	return nil
}

func (r *Runner) newSwapper() (*swap.Swapper, error) {
	client := r.glueClient
	if client == nil {
		sess, err := awsutils.CreateSession(awsutils.CredentialsFromConfig(r.conf), glue.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("creating aws session: %w", err)
		}
		client = glue.New(sess)
	}

	stores := objectstorage.NewFactory(r.conf, r.logger)
	return swap.New(
		catalog.NewGlue(client, r.conf, r.logger, r.statsFactory),
		writer.New(stores, r.conf, r.logger, r.statsFactory),
		stores,
		r.conf,
		r.logger,
		r.statsFactory,
	), nil
}

func (r *Runner) app() *cli.App {
	return &cli.App{
		Name:                 "tableswap",
		Usage:                "overwrite Glue tables without downtime",
		Version:              r.releaseInfo.Version,
		Writer:               r.stdout,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "load environment variables from dotenv files before reading configuration",
			},
		},
		Before: func(c *cli.Context) error {
			if files := c.StringSlice("env-file"); len(files) > 0 {
				if err := godotenv.Load(files...); err != nil {
					return fmt.Errorf("loading env files: %w", err)
				}
			}
			r.setupLogging()
			return r.startStats(c.Context)
		},
		Commands: []*cli.Command{
			r.overwriteCommand(),
			r.rollbackCommand(),
			r.statusCommand(),
			r.cleanupCommand(),
			r.versionCommand(),
		},
	}
}
