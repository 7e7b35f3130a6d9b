package runner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/rudderlabs/glue-table-swap/catalog"
	"github.com/rudderlabs/glue-table-swap/encoding"
	"github.com/rudderlabs/glue-table-swap/jsonrs"
	"github.com/rudderlabs/glue-table-swap/swap"
	"github.com/rudderlabs/glue-table-swap/writer"
)

var tableFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "database",
		Aliases:  []string{"d"},
		Usage:    "catalog database",
		Required: true,
	},
	&cli.StringFlag{
		Name:     "table",
		Aliases:  []string{"t"},
		Usage:    "catalog table",
		Required: true,
	},
}

func (r *Runner) overwriteCommand() *cli.Command {
	return &cli.Command{
		Name:  "overwrite",
		Usage: "replace the data of a table, creating the table if it does not exist",
		Flags: append([]cli.Flag{
			&cli.StringSliceFlag{
				Name:  "input",
				Usage: "newline delimited JSON file to read rows from, can be repeated",
			},
			&cli.IntFlag{
				Name:  "buffer-capacity-k",
				Usage: "maximum size of a single input line in KB, defaults to Writer.readBufferCapacityInK or 10240",
			},
			&cli.StringFlag{
				Name:  "source-database",
				Usage: "database of the table to copy data from",
			},
			&cli.StringFlag{
				Name:  "source-table",
				Usage: "table to copy data from instead of reading input files",
			},
			&cli.StringSliceFlag{
				Name:  "columns",
				Usage: "data columns as name:type, defaults to the columns of the existing or source table",
			},
			&cli.StringSliceFlag{
				Name:  "partition-keys",
				Usage: "partition keys as name or name:type, string when no type is given, only used when creating the table",
			},
			&cli.BoolFlag{
				Name:  "no-stage",
				Usage: "do not register a staging table before publishing",
			},
			&cli.IntFlag{
				Name:  "min-rows",
				Usage: "fail before publishing if fewer rows were written",
			},
		}, tableFlags...),
		Action: r.overwrite,
	}
}

func (r *Runner) overwrite(c *cli.Context) error {
	req := swap.OverwriteRequest{
		Database: c.String("database"),
		Table:    c.String("table"),
	}

	var err error
	if req.Columns, err = parseColumns(c.StringSlice("columns"), ""); err != nil {
		return fmt.Errorf("columns: %w", err)
	}
	if req.PartitionKeys, err = parseColumns(c.StringSlice("partition-keys"), "string"); err != nil {
		return fmt.Errorf("partition keys: %w", err)
	}

	inputs := c.StringSlice("input")
	switch {
	case c.IsSet("source-table") && len(inputs) > 0:
		return fmt.Errorf("--input and --source-table are mutually exclusive")
	case c.IsSet("source-table"):
		req.SourceTable = &swap.TableRef{
			Database: lo.Ternary(c.IsSet("source-database"), c.String("source-database"), req.Database),
			Name:     c.String("source-table"),
		}
	case len(inputs) > 0:
		bufferCapacityInK := c.Int("buffer-capacity-k")
		if !c.IsSet("buffer-capacity-k") {
			bufferCapacityInK = r.conf.GetIntVar(10240, 1, "Writer.readBufferCapacityInK")
		}
		source := writer.NDJSONSource(bufferCapacityInK, inputs...)
		defer func() { _ = source.Close() }()
		req.Source = source
	default:
		return fmt.Errorf("one of --input and --source-table is required")
	}

	if c.IsSet("min-rows") {
		req.Validators = append(req.Validators, swap.RowCountValidator(c.Int("min-rows")))
	}
	if c.Bool("no-stage") {
		r.conf.Set("Swap.stageTable", false)
	}

	s, err := r.newSwapper()
	if err != nil {
		return err
	}
	res, err := s.Overwrite(c.Context, req)
	if err != nil {
		return err
	}
	return r.printJSON(res)
}

func (r *Runner) rollbackCommand() *cli.Command {
	return &cli.Command{
		Name:  "rollback",
		Usage: "repoint a table at a previously published version",
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:  "version",
				Usage: "version to publish, the newest version older than the published one when negative",
				Value: -1,
			},
		}, tableFlags...),
		Action: func(c *cli.Context) error {
			s, err := r.newSwapper()
			if err != nil {
				return err
			}
			res, err := s.Rollback(c.Context, c.String("database"), c.String("table"), c.Int("version"))
			if err != nil {
				return err
			}
			return r.printJSON(res)
		},
	}
}

func (r *Runner) statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show where a table points and which versions are stored",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print the status as JSON",
			},
		}, tableFlags...),
		Action: func(c *cli.Context) error {
			s, err := r.newSwapper()
			if err != nil {
				return err
			}
			status, err := s.Status(c.Context, c.String("database"), c.String("table"))
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return r.printJSON(status)
			}
			r.printStatus(status)
			return nil
		},
	}
}

func (r *Runner) cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "delete stored versions no longer referenced by the table",
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:  "retain",
				Usage: "number of newest versions to keep",
				Value: 1,
			},
		}, tableFlags...),
		Action: func(c *cli.Context) error {
			s, err := r.newSwapper()
			if err != nil {
				return err
			}
			res, err := s.Cleanup(c.Context, c.String("database"), c.String("table"), c.Int("retain"))
			if err != nil {
				return err
			}
			return r.printJSON(res)
		},
	}
}

func (r *Runner) versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print release information",
		Action: func(*cli.Context) error {
			return r.printJSON(map[string]any{
				"version":   r.releaseInfo.Version,
				"commit":    r.releaseInfo.Commit,
				"buildDate": r.releaseInfo.BuildDate,
				"builtBy":   r.releaseInfo.BuiltBy,
			})
		},
	}
}

// parseColumns parses name:type definitions. A bare name gets defaultType,
// or is rejected when defaultType is empty.
func parseColumns(definitions []string, defaultType string) ([]catalog.Column, error) {
	columns := make([]catalog.Column, 0, len(definitions))
	for _, definition := range definitions {
		for _, d := range strings.Split(definition, ",") {
			name, typ, ok := strings.Cut(strings.TrimSpace(d), ":")
			if !ok {
				typ = defaultType
			}
			if name == "" || typ == "" {
				return nil, fmt.Errorf("invalid column %q, expected name:type", d)
			}
			if !encoding.IsSupportedType(typ) {
				return nil, fmt.Errorf("column %s: %w: %s", name, encoding.ErrUnsupportedType, typ)
			}
			columns = append(columns, catalog.Column{Name: name, Type: strings.ToLower(strings.TrimSpace(typ))})
		}
	}
	return columns, nil
}

func (r *Runner) printJSON(v any) error {
	enc := jsonrs.NewEncoder(r.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *Runner) printStatus(status swap.Status) {
	summary := tablewriter.NewWriter(r.stdout)
	summary.SetAutoFormatHeaders(false)
	summary.SetHeader([]string{"Table", "Location", "Version", "Catalog version", "Updated", "Partitions"})
	summary.Append([]string{
		status.Database + "." + status.Table,
		status.Location,
		strconv.Itoa(status.Version),
		status.VersionID,
		status.UpdateTime.UTC().Format("2006-01-02 15:04:05"),
		strconv.Itoa(status.Partitions),
	})
	summary.Render()

	if len(status.StoredVersions) == 0 {
		return
	}
	versions := tablewriter.NewWriter(r.stdout)
	versions.SetAutoFormatHeaders(false)
	versions.SetHeader([]string{"Version", "Location", "Objects", "Partitions", "Referenced"})
	for _, v := range status.StoredVersions {
		versions.Append([]string{
			strconv.Itoa(v.Version),
			v.Location,
			strconv.Itoa(v.Objects),
			strconv.Itoa(status.PartitionsByVersion[v.Location]),
			strconv.FormatBool(v.Referenced),
		})
	}
	versions.Render()
}
