package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/geodb-client/internal/auth"
	"github.com/mohammed-shakir/geodb-client/internal/core/config"
	"github.com/mohammed-shakir/geodb-client/internal/logger"
	"github.com/mohammed-shakir/geodb-client/internal/metrics"
	"github.com/mohammed-shakir/geodb-client/pkg/dataset"
	"github.com/mohammed-shakir/geodb-client/pkg/geodb"
)

var Version = "dev"

const usage = `usage: geodbctl [flags] <command> [args]

commands:
  whoami
  collections
  query <collection> [-filter q] [-limit n] [-offset n]
  bbox <collection> -bbox minx,miny,maxx,maxy [-crs n] [-mode contains|within] [-limit n]
  insert <collection> <file.geojson> [-crs n] [-upsert]
  publish <collection>
  unpublish <collection>
  logout
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("geodbctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage); fs.PrintDefaults() }
	server := fs.String("server", "", "gateway URL (GEODB_API_SERVER_URL)")
	port := fs.Int("port", 0, "gateway port (GEODB_API_SERVER_PORT)")
	database := fs.String("database", "", "database to work in (GEODB_DATABASE)")
	authMode := fs.String("auth-mode", "", "client-credentials, password, interactive or none")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	level := *logLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		level = "warn"
	}
	zl := logger.Build(logger.Config{
		Level:     level,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Database:  *database,
		Component: "geodbctl",
	}, stderr)
	log := logger.NewSlog(&zl)

	if *metricsAddr != "" {
		p := metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    *metricsAddr,
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		go func() {
			if err := p.Serve(ctx, log); err != nil {
				log.Error("metrics server exited", "err", err)
			}
		}()
	}

	opts := geodb.Options{
		Overrides: geodb.Overrides{
			ServerURL:  *server,
			ServerPort: *port,
			Database:   *database,
			AuthMode:   *authMode,
			LogLevel:   level,
		},
		Logger: log,
	}
	if strings.EqualFold(*authMode, config.ModeInteractive) {
		opts.TokenProvider = auth.NewTerminalProvider()
	}
	client, err := geodb.New(ctx, opts)
	if err != nil {
		fmt.Fprintf(stderr, "geodbctl: %v\n", err)
		return 1
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn("close client", "err", err)
		}
	}()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	out, err := dispatch(ctx, client, cmd, rest, stderr)
	if errors.Is(err, errUsage) {
		fs.Usage()
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "geodbctl %s: %v\n", cmd, err)
		return 1
	}
	if out == nil {
		return 0
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "geodbctl: write output: %v\n", err)
		return 1
	}
	return 0
}

var errUsage = errors.New("usage")

func dispatch(ctx context.Context, c *geodb.Client, cmd string, args []string, stderr io.Writer) (any, error) {
	switch cmd {
	case "whoami":
		name, err := c.Whoami(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"user": name}, nil
	case "collections":
		return c.GetMyCollections(ctx)
	case "query":
		return query(ctx, c, args, stderr)
	case "bbox":
		return bbox(ctx, c, args, stderr)
	case "insert":
		return insert(ctx, c, args, stderr)
	case "publish":
		if len(args) != 1 {
			return nil, errUsage
		}
		return c.PublishGS(ctx, args[0])
	case "unpublish":
		if len(args) != 1 {
			return nil, errUsage
		}
		return nil, c.UnpublishGS(ctx, args[0])
	case "logout":
		return nil, c.Logout(ctx)
	default:
		return nil, errUsage
	}
}

// subFlags parses the flags following the collection argument.
func subFlags(name string, args []string, stderr io.Writer, define func(*flag.FlagSet)) (string, []string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", nil, errUsage
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	define(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return "", nil, errUsage
	}
	return args[0], fs.Args(), nil
}

func query(ctx context.Context, c *geodb.Client, args []string, stderr io.Writer) (any, error) {
	var filter string
	var limit, offset int
	coll, _, err := subFlags("query", args, stderr, func(fs *flag.FlagSet) {
		fs.StringVar(&filter, "filter", "", "PostgREST query string")
		fs.IntVar(&limit, "limit", 0, "maximum rows")
		fs.IntVar(&offset, "offset", 0, "rows to skip")
	})
	if err != nil {
		return nil, err
	}
	ds, err := c.Query(ctx, geodb.QueryRequest{Collection: coll, Filter: filter, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	return ds.FeatureCollection(), nil
}

func bbox(ctx context.Context, c *geodb.Client, args []string, stderr io.Writer) (any, error) {
	var box, mode, crs string
	var limit int
	coll, _, err := subFlags("bbox", args, stderr, func(fs *flag.FlagSet) {
		fs.StringVar(&box, "bbox", "", "minx,miny,maxx,maxy")
		fs.StringVar(&crs, "crs", "4326", "CRS of the box")
		fs.StringVar(&mode, "mode", geodb.ModeContains, "contains or within")
		fs.IntVar(&limit, "limit", 0, "maximum rows")
	})
	if err != nil {
		return nil, err
	}
	coords, err := parseBBox(box)
	if err != nil {
		return nil, err
	}
	boxCRS, err := dataset.ParseCRS(crs)
	if err != nil {
		return nil, err
	}
	ds, err := c.QueryByBBox(ctx, geodb.BBoxQuery{
		Collection: coll,
		MinX:       coords[0],
		MinY:       coords[1],
		MaxX:       coords[2],
		MaxY:       coords[3],
		Mode:       mode,
		BBoxCRS:    boxCRS,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	return ds.FeatureCollection(), nil
}

func parseBBox(s string) ([4]float64, error) {
	var out [4]float64
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return out, fmt.Errorf("bbox %q: want minx,miny,maxx,maxy", s)
	}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return out, fmt.Errorf("bbox %q: %w", s, err)
		}
		out[i] = f
	}
	return out, nil
}

func insert(ctx context.Context, c *geodb.Client, args []string, stderr io.Writer) (any, error) {
	var crs string
	var upsert bool
	coll, rest, err := subFlags("insert", args, stderr, func(fs *flag.FlagSet) {
		fs.StringVar(&crs, "crs", "", "CRS of the file; defaults to the collection's")
		fs.BoolVar(&upsert, "upsert", false, "merge rows with existing ids")
	})
	if err != nil {
		return nil, err
	}
	if len(rest) != 1 {
		return nil, errUsage
	}
	var fileCRS dataset.CRS
	if crs != "" {
		if fileCRS, err = dataset.ParseCRS(crs); err != nil {
			return nil, err
		}
	}
	ds, err := readGeoJSON(rest[0], fileCRS)
	if err != nil {
		return nil, err
	}
	req := geodb.InsertRequest{Collection: coll, Dataset: ds}
	if upsert {
		return c.Upsert(ctx, req)
	}
	return c.Insert(ctx, req)
}

func readGeoJSON(path string, crs dataset.CRS) (*dataset.Dataset, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return dataset.FromFeatureCollection(fc, crs)
}
