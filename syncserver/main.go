package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/golang/glog"

	"github.com/bringyour/livesync/livequery"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Live query sync server.

The environment may be set in a .env file in the working dir:
    REDIS_URL        overrides redis_url from the catalog
    JWT_SECRET_KEY   HS256 secret used to verify auth tokens

Usage:
    syncserver serve --catalog=<path> [--port=<port>] [--auth_required] [--verbosity=<level>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --catalog=<path>       Query catalog yaml.
    -p --port=<port>       Listen port [default: 80].
    --auth_required        Require auth before subscribe and call, in addition to the catalog setting.
    --verbosity=<level>    glog verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func initGlog(opts docopt.Opts) {
	verbosity, _ := opts.String("--verbosity")
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", verbosity)
}

func serve(opts docopt.Opts) {
	initGlog(opts)

	// the .env file is optional
	if err := godotenv.Load(); err != nil {
		glog.V(1).Infof("[m].env not loaded = %s\n", err)
	}

	port, _ := opts.Int("--port")
	catalogPath, _ := opts.String("--catalog")
	authRequiredFlag, _ := opts.Bool("--auth_required")

	catalogConfig, err := livequery.LoadCatalogConfig(catalogPath)
	if err != nil {
		fmt.Printf("catalog error: %s\n", err)
		os.Exit(1)
	}

	redisUrl := catalogConfig.RedisUrl
	if envRedisUrl := os.Getenv("REDIS_URL"); envRedisUrl != "" {
		redisUrl = envRedisUrl
	}
	if redisUrl == "" {
		fmt.Printf("redis url not set. Set redis_url in the catalog or REDIS_URL.\n")
		os.Exit(1)
	}
	redisOptions, err := redis.ParseURL(redisUrl)
	if err != nil {
		fmt.Printf("redis url error: %s\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	redisClient := redis.NewClient(redisOptions)
	defer redisClient.Close()
	func() {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			fmt.Printf("redis error: %s\n", err)
			os.Exit(1)
		}
	}()

	// resolved once here
	authRequired := catalogConfig.AuthRequired || authRequiredFlag

	var authorizer livequery.Authorizer
	if secretKey := os.Getenv("JWT_SECRET_KEY"); secretKey != "" {
		authorizer = livequery.NewJwtAuthorizer([]byte(secretKey))
	} else if authRequired {
		fmt.Printf("auth is required but JWT_SECRET_KEY is not set.\n")
		os.Exit(1)
	}

	changefeed := livequery.NewRedisChangefeed(redisClient, catalogConfig.KeyField)
	catalog := catalogConfig.BuildQueryCatalog(changefeed)

	operations := livequery.NewOperationCatalog()
	operations.Add("listQueries", func(ctx context.Context, session *livequery.Session, params map[string]any) (any, error) {
		return catalog.Names(), nil
	})
	operations.Add("whoami", func(ctx context.Context, session *livequery.Session, params map[string]any) (any, error) {
		return session.Attributes(), nil
	})

	settings := livequery.DefaultServerSettings()
	settings.AuthRequired = authRequired
	server := livequery.NewServer(ctx, catalog, operations, authorizer, settings)
	defer server.Close()

	mux := http.NewServeMux()
	mux.Handle("/sync", server)
	mux.Handle("/health-check", &Status{})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	fmt.Printf(
		"Serving %s on *:%d (%d queries, auth required %t)\n",
		RequireVersion(),
		port,
		len(catalogConfig.Queries),
		authRequired,
	)

	go func() {
		defer cancel()
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			fmt.Printf("serve error: %s\n", err)
		}
	}()

	select {
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}

type Status struct {
}

func (self *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type StatusResult struct {
		Version string `json:"version,omitempty"`
		Status  string `json:"status"`
	}

	result := &StatusResult{
		Version: RequireVersion(),
		Status:  "ok",
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func RequireVersion() string {
	if version := os.Getenv("SYNC_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
