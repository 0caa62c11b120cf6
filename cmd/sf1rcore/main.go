package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/baby/sf1r-lite/pkg/bundle"
	"github.com/baby/sf1r-lite/pkg/config"
	"github.com/baby/sf1r-lite/pkg/directory"
	"github.com/baby/sf1r-lite/pkg/document"
	"github.com/baby/sf1r-lite/pkg/events"
	"github.com/baby/sf1r-lite/pkg/index"
	"github.com/baby/sf1r-lite/pkg/jobqueue"
	"github.com/baby/sf1r-lite/pkg/language"
	"github.com/baby/sf1r-lite/pkg/log"
	"github.com/baby/sf1r-lite/pkg/logforward"
	"github.com/baby/sf1r-lite/pkg/metrics"
	"github.com/baby/sf1r-lite/pkg/rebuild"
	"github.com/baby/sf1r-lite/pkg/recommend"
	"github.com/baby/sf1r-lite/pkg/storage"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sf1rcore",
	Short: "sf1r-lite - collection ingestion, indexing, and recommendation core",
	Long: `sf1rcore runs the ingestion/indexing/recommendation pipeline for a
single collection: bundle scanning, document preparation, forward-index
writes, and the recommend task service.

This binary exposes process lifecycle only. It does not serve queries.`,
	Version: Version,
}

func init() {
	metrics.SetVersion(Version)

	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sf1rcore version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	runCmd.Flags().String("config", "", "Path to the collection config YAML (required)")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics on")
	runCmd.Flags().Duration("scan-interval", 5*time.Second, "Fallback poll interval for bundle scans")
	runCmd.MarkFlagRequired("config")

	rebuildCmd.Flags().String("config", "", "Path to the collection config YAML (required)")
	rebuildCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(rebuildCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// collection bundles every collaborator wired from a single
// config.CollectionConfig, so run and rebuild can share construction
// without duplicating the wiring.
type collection struct {
	cfg      *config.CollectionConfig
	docStore *storage.BoltDocumentStore
	idMgr    *storage.BoltIdManager
	indexMgr *index.FakeIndexManager
	preparer *document.Preparer
	dirs     *directory.Pair
	broker   *events.Broker
}

func openCollection(path string) (*collection, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load collection config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create collection data dir: %w", err)
	}

	docStore, err := storage.NewBoltDocumentStore(cfg.DataDir)
	if err != nil {
		metrics.RegisterComponent("document-store", false, err.Error())
		return nil, fmt.Errorf("open document store: %w", err)
	}
	metrics.RegisterComponent("document-store", true, "")

	idMgr, err := storage.NewBoltIdManager(cfg.DataDir)
	if err != nil {
		docStore.Close()
		metrics.RegisterComponent("id-manager", false, err.Error())
		return nil, fmt.Errorf("open id manager: %w", err)
	}
	metrics.RegisterComponent("id-manager", true, "")

	// The real inverted-index engine lives outside this module's scope
	// (the query path is an explicit non-goal); FakeIndexManager is the
	// only IndexManager this binary can wire.
	indexMgr := index.NewFakeIndexManager()

	schema := cfg.ToSchema()
	preparer := document.New(schema, idMgr, docStore, language.NewSimpleAnalyzer(), cfg.SourceField)

	current := directory.NewDir(cfg.CurrentDir, "d0", "")
	next := directory.NewDir(cfg.NextDir, "d1", "")
	if !current.Valid() {
		if err := current.Bootstrap(); err != nil {
			idMgr.Close()
			docStore.Close()
			return nil, fmt.Errorf("bootstrap current directory: %w", err)
		}
	}
	dirs := directory.NewPair(current, next)

	return &collection{
		cfg:      cfg,
		docStore: docStore,
		idMgr:    idMgr,
		indexMgr: indexMgr,
		preparer: preparer,
		dirs:     dirs,
		broker:   events.NewBroker(),
	}, nil
}

func (c *collection) Close() {
	c.idMgr.Close()
	c.docStore.Close()
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion, indexing, and recommendation pipeline for a collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		scanInterval, _ := cmd.Flags().GetDuration("scan-interval")

		col, err := openCollection(configPath)
		if err != nil {
			return err
		}
		defer col.Close()

		col.broker.Start()
		defer col.broker.Stop()

		var forwarder *logforward.Forwarder
		if col.cfg.LogServer.Enabled {
			forwarder, err = logforward.New(logforward.Config{Addr: col.cfg.LogServer.Addr, Broker: col.broker})
			if err != nil {
				return fmt.Errorf("start log-server forwarder: %w", err)
			}
			defer forwarder.Close()
		}

		var recommendSvc *recommend.Service
		if col.cfg.Recommend.Enabled {
			recommendSvc, err = startRecommend(col)
			if err != nil {
				metrics.RegisterComponent("recommend-service", false, err.Error())
				return fmt.Errorf("start recommend service: %w", err)
			}
			metrics.RegisterComponent("recommend-service", true, "")
			defer recommendSvc.Stop()
		}

		workerCfg := index.Config{
			CollectionName: col.cfg.Name,
			Dirs:           col.dirs,
			LiveDir:        func() string { return col.cfg.LiveDir },
			Preparer:       col.preparer,
			DocStore:       col.docStore,
			IdManager:      col.idMgr,
			IndexManager:   col.indexMgr,
			Broker:         col.broker,
		}
		if recommendSvc != nil {
			workerCfg.Miner = &recommendMiner{svc: recommendSvc}
		}
		if forwarder != nil {
			workerCfg.Forwarder = forwarder
		}
		worker := index.NewWorker(workerCfg)

		queue := jobqueue.New()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		queue.Start(ctx)
		defer queue.Stop()

		metrics.RegisterComponent("index-worker", false, "no build pass has run yet")
		enqueueScan := func() {
			queue.Add(jobqueue.NewTask(col.cfg.Name, func(ctx context.Context) error {
				err := worker.RunBuildPass(ctx)
				if err != nil {
					metrics.UpdateComponent("index-worker", false, err.Error())
				} else {
					metrics.UpdateComponent("index-worker", true, "")
				}
				return err
			}))
		}

		watchCh, err := bundle.Watch(ctx, col.cfg.LiveDir)
		if err != nil {
			log.WithComponent("sf1rcore").Warn().Err(err).Msg("bundle watch unavailable, falling back to polling only")
		} else {
			go func() {
				for range watchCh {
					enqueueScan()
				}
			}()
		}

		ticker := time.NewTicker(scanInterval)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ticker.C:
					enqueueScan()
				case <-ctx.Done():
					return
				}
			}
		}()

		go func() {
			http.Handle("/metrics", metrics.Handler())
			http.Handle("/health", metrics.HealthHandler())
			http.Handle("/ready", metrics.ReadyHandler())
			http.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				log.WithComponent("sf1rcore").Error().Err(err).Msg("metrics server error")
			}
		}()
		fmt.Printf("sf1rcore running for collection %q\n", col.cfg.Name)
		fmt.Printf("metrics: http://%s/metrics\n", metricsAddr)
		fmt.Printf("health: http://%s/health, /ready, /live\n", metricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("shutting down...")
		return nil
	},
}

// recommendMiner adapts recommend.Service to index.MiningCollaborator:
// the build pass treats a full recommend ingest as its mining step.
type recommendMiner struct {
	svc *recommend.Service
}

func (m *recommendMiner) Mine(ctx context.Context) error {
	return m.svc.BuildCollection()
}

func startRecommend(col *collection) (*recommend.Service, error) {
	stores, err := recommend.OpenSQLiteStores(col.cfg.Recommend.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open recommend stores: %w", err)
	}

	matrix, err := recommend.NewChromemMatrix(filepath.Join(col.cfg.Recommend.DataDir, "matrix"), col.cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("open recommend matrix: %w", err)
	}

	userBundleDir := filepath.Join(col.cfg.Recommend.DataDir, "user-bundle")
	orderBundleDir := filepath.Join(col.cfg.Recommend.DataDir, "order-bundle")

	return recommend.New(recommend.Config{
		CollectionName: col.cfg.Name,
		Stores: recommend.Stores{
			Items:     stores,
			Users:     stores,
			Visits:    stores,
			Purchases: stores,
			Carts:     stores,
			Orders:    stores,
			Events:    stores,
			Rates:     stores,
			Queries:   stores,
		},
		Matrix:         matrix,
		Dirs:           col.dirs,
		UserBundleDir:  func() string { return userBundleDir },
		OrderBundleDir: func() string { return orderBundleDir },
		Broker:         col.broker,
		CronExpr:       col.cfg.Recommend.CronExpr,
	})
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Reindex every live document of a collection under fresh docids",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		col, err := openCollection(configPath)
		if err != nil {
			return err
		}
		defer col.Close()

		coordinator := rebuild.New(col.cfg.Name, col.docStore, col.idMgr, col.indexMgr, col.preparer)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("\ncancelling rebuild, finishing in-flight document...")
			cancel()
		}()

		if err := coordinator.Run(ctx); err != nil {
			return fmt.Errorf("rebuild collection %q: %w", col.cfg.Name, err)
		}
		fmt.Printf("rebuild complete for collection %q\n", col.cfg.Name)
		return nil
	},
}
