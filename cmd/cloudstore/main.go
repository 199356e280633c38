package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/Chapsvision-dev/cloudstore/internal/config"
	"github.com/Chapsvision-dev/cloudstore/internal/logx"
	"github.com/Chapsvision-dev/cloudstore/internal/metrics"
	"github.com/Chapsvision-dev/cloudstore/internal/oplog"
	"github.com/Chapsvision-dev/cloudstore/internal/provider"
	"github.com/Chapsvision-dev/cloudstore/internal/provider/backends"
	"github.com/Chapsvision-dev/cloudstore/internal/storage"
	"github.com/Chapsvision-dev/cloudstore/internal/version"
)

// store is the part of storage.Facade the commands use.
type store interface {
	Service() string
	Get(ctx context.Context, source, destination string, recursive bool) (provider.Result, error)
	Put(ctx context.Context, source, destination string, recursive bool) (provider.Result, error)
	Copy(ctx context.Context, source, destination string, recursive bool) (provider.Result, error)
	CreateDir(ctx context.Context, directory string) (provider.Result, error)
	Delete(ctx context.Context, source string) (provider.Result, error)
	List(ctx context.Context, source string, dirOnly, recursive bool) (provider.Result, error)
	Search(ctx context.Context, directory, filename string, recursive bool) (provider.Result, error)
	Tree(ctx context.Context, source string) (*storage.Node, error)
	Close() error
}

// history is the part of oplog.Store the history command uses.
type history interface {
	storage.Recorder
	Recent(ctx context.Context, limit int) ([]oplog.Entry, error)
	Close() error
}

// Test seams, overridden in unit tests. Keep signatures in sync with packages.
var (
	loadConfig func(path string) (config.Config, error)                               = config.Load
	openStore  func(context.Context, config.Config, ...storage.Option) (store, error) = openFacade
	openOplog  func(driver, dsn string) (history, error)                              = openHistory
	registry   func() *provider.Registry                                              = backends.Registry
	exit       func(int)                                                              = os.Exit
)

func openFacade(ctx context.Context, cfg config.Config, opts ...storage.Option) (store, error) {
	return storage.New(ctx, cfg, registry(), opts...)
}

func openHistory(driver, dsn string) (history, error) {
	return oplog.Open(driver, dsn)
}

// usageError marks errors that exit with code 2.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

// main wires CLI -> config -> facade -> command.
// Exit codes: 0 success, 1 runtime error, 2 usage error.
func main() {
	_ = godotenv.Load() // best-effort
	logx.InitFromEnv()

	ctx := withSignals(context.Background())
	if err := newApp().Run(ctx, os.Args); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintln(os.Stderr, "usage error:", err)
			exit(2)
			return
		}
		log.Error().Err(err).Msg("command failed")
		exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "cloudstore",
		Usage:   "one command set over local disk, Box, Google Drive, Azure Blob, S3 and GCS",
		Version: version.Info(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
				Value:   "",
				Sources: cli.EnvVars("CLOUDSTORE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "service",
				Aliases: []string{"s"},
				Usage:   "service to bind to (default: storage.selected)",
			},
			&cli.StringFlag{Name: "log-level", Usage: "trace|debug|info|warn|error"},
			&cli.StringFlag{Name: "log-format", Usage: "json|console"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address"},
			&cli.BoolFlag{Name: "json", Usage: "print records as JSON"},
		},
		Commands: []*cli.Command{
			transferCommand("get", "download SOURCE from the service to the local DESTINATION", store.Get),
			transferCommand("put", "upload the local SOURCE to DESTINATION on the service", store.Put),
			transferCommand("copy", "copy between two backend:path locators", store.Copy),
			listCommand(),
			searchCommand(),
			mkdirCommand(),
			deleteCommand(),
			treeCommand(),
			historyCommand(),
			backendsCommand(),
			versionCommand(),
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			_ = cli.ShowAppHelp(cmd)
			if cmd.Args().Present() {
				return usagef("unknown command %q", cmd.Args().First())
			}
			return usagef("no command given")
		},
		OnUsageError: func(_ context.Context, _ *cli.Command, err error, _ bool) error {
			return usageError{msg: err.Error()}
		},
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
	}
}

// session is everything one command run needs.
type session struct {
	store store
	close func()
}

// open loads the config, applies global flags, then builds the facade with
// the oplog recorder and console notifier attached.
func open(ctx context.Context, cmd *cli.Command) (*session, error) {
	cfg, err := configure(cmd)
	if err != nil {
		return nil, err
	}
	var closers []func()

	opts := []storage.Option{
		storage.WithNotifier(consoleNotifier{out: cmd.Root().Writer, err: cmd.Root().ErrWriter}),
	}
	if name := cmd.String("service"); name != "" {
		opts = append(opts, storage.WithService(name))
	}
	if cfg.Oplog.Driver != config.OplogNone {
		h, err := openOplog(cfg.Oplog.Driver, cfg.Oplog.DSN)
		if err != nil {
			log.Warn().Err(err).Str("action", "oplog_open").Str("driver", cfg.Oplog.Driver).
				Msg("operation log unavailable, continuing without it")
		} else {
			opts = append(opts, storage.WithRecorder(h))
			closers = append(closers, func() { _ = h.Close() })
		}
	}
	if addr := cfg.Metrics.Addr; addr != "" {
		closers = append(closers, serveMetrics(addr))
	}

	st, err := openStore(ctx, cfg, opts...)
	if err != nil {
		runAll(closers)
		return nil, err
	}
	closers = append([]func(){func() { _ = st.Close() }}, closers...)
	return &session{store: st, close: func() { runAll(closers) }}, nil
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// configure loads the config file and lets flags override log settings.
func configure(cmd *cli.Command) (config.Config, error) {
	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := cmd.String("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if v := cmd.String("metrics-addr"); v != "" {
		cfg.Metrics.Addr = v
	}
	logx.Init(cfg.Log.Level, cfg.Log.Format, nil)
	return cfg, nil
}

func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("action", "metrics").Str("addr", addr).Msg("metrics server failed")
		}
	}()
	log.Debug().Str("action", "metrics").Str("addr", addr).Msg("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func withSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx
}

// args returns the positional arguments when there are lo to hi of them.
func args(cmd *cli.Command, lo, hi int) ([]string, error) {
	a := cmd.Args().Slice()
	if len(a) < lo || len(a) > hi {
		want := fmt.Sprint(lo)
		if hi != lo {
			want = fmt.Sprintf("%d to %d", lo, hi)
		}
		return nil, usagef("%s: expected %s argument(s) (%s), got %d", cmd.Name, want, strings.TrimSpace(cmd.ArgsUsage), len(a))
	}
	return a, nil
}
