package start

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wanghenshui/Tendis/catalog"
	"github.com/wanghenshui/Tendis/network"
	"github.com/wanghenshui/Tendis/replication"
	"github.com/wanghenshui/Tendis/storage"
	"github.com/wanghenshui/Tendis/utils"
	"github.com/wanghenshui/Tendis/utils/log"
)

const (
	usage                 = "start"
	short                 = "Start a tendis replication node"
	long                  = "This command starts a tendis replication node"
	example               = "tendis start --config <path>"
	defaultConfigFilePath = "./tendis.yml"
	configDesc            = "set the path for the tendis YAML configuration file"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file error: %w", err)
	}

	// Don't output command usage if args are correct
	cmd.SilenceUsage = true

	log.Info("using %v for configuration", configFilePath)

	config, err := utils.ParseConfig(data)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file error: %w", err)
	}

	log.Info("initializing tendis...")
	begin := time.Now()

	cat, err := catalog.NewFileCatalog(config.RootDirectory)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}

	stores := make([]storage.KVStore, config.KVStoreCount)
	for i := range stores {
		stores[i] = storage.NewMemStore(uint32(i))
	}
	segMgr := storage.NewLocalSegmentMgr(stores)
	netw := network.NewServer(config.ListenHost, config.ListenPort)

	mgr := replication.NewManager(config, cat, segMgr, netw)
	if err := mgr.Startup(); err != nil {
		return fmt.Errorf("replication manager startup: %w", err)
	}
	replication.MetricStartupSeconds.Set(time.Since(begin).Seconds())
	log.Info("startup time: %s", time.Since(begin))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	log.Info("launching prometheus metrics server...")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/replinfo", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, mgr.ReplInfo(false))
	})
	mux.HandleFunc("/replstat", func(w http.ResponseWriter, _ *http.Request) {
		stat, err := mgr.JSONStat()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(stat)
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.ListenHost, config.ListenPort),
		Handler: mux,
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	signalChan := make(chan os.Signal, 10)
	signal.Notify(signalChan, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case s := <-signalChan:
				switch s {
				case syscall.SIGUSR1:
					log.Info("dumping stack traces due to SIGUSR1 request")
					if err := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1); err != nil {
						log.Error("failed to write goroutine pprof: %v", err)
					}
				case syscall.SIGINT, syscall.SIGTERM:
					log.Info("initiating graceful shutdown due to %v request", s)
					mgr.Stop()
					cancel()
					return nil
				}
			}
		}
	})

	log.Info("tendis node is up at %s:%d", config.ListenHost, config.ListenPort)
	return g.Wait()
}
