// Command hwnode is the thin entrypoint wiring configuration, storage and
// policy into the service loop (C8). Per SPEC_FULL.md §1, command-line
// front-ends, help text and JSON dumps are explicitly out of the core's
// scope; this file is the narrow interface that constructs the core and
// hands it to a transport, grounded on the teacher's cmd/cli/full_node.go
// for the cobra root-command-plus-subcommand shape and its use of
// logrus for startup diagnostics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hwmesh/hw/config"
	"github.com/hwmesh/hw/internal/identity"
	"github.com/hwmesh/hw/internal/sign"
	"github.com/hwmesh/hw/policy"
	"github.com/hwmesh/hw/routing"
	"github.com/hwmesh/hw/service"
	"github.com/hwmesh/hw/storage"
	"github.com/hwmesh/hw/store"
)

// nodeFetchDispatcher adapts storage+policy into service.FetchDispatcher. A
// production deployment wires a real fetch.Transport here (the transport
// handshake's byte-level shape is out of this core's scope per SPEC_FULL.md
// §1); this stub logs the dispatch so the reactor's control flow is
// exercised end-to-end without requiring a live peer connection.
type nodeFetchDispatcher struct {
	backend storage.Backend
	log     *logrus.Logger
}

func (d *nodeFetchDispatcher) Dispatch(ctx context.Context, repo identity.ID, remote sign.PublicKey) {
	d.log.Infof("hwnode: would fetch repo %s from remote %x", repo, remote[:])
}

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "hwnode",
		Short: "run a node in the replication mesh",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.AddCommand(runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start the node's service loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logrus.StandardLogger()
	if lvl, perr := logrus.ParseLevel(cfg.Logging.Level); perr == nil {
		log.SetLevel(lvl)
	}

	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return fmt.Errorf("hwnode: create home %s: %w", cfg.Home, err)
	}

	backend, err := storage.Open(cfg.GitObjectDir(), log)
	if err != nil {
		return fmt.Errorf("hwnode: open storage: %w", err)
	}

	polStore := policy.NewStore(cfg.Seeding.AllowByDefault, cfg.Seeding.Scope(), cfg.Seeding.AllowNodesByDefault, log)

	routingStore, err := store.OpenRoutingStore(cfg.RoutingDBPath())
	if err != nil {
		return fmt.Errorf("hwnode: open routing store: %w", err)
	}
	defer routingStore.Close()

	verifier := sign.DefaultVerifier
	routingTable := routing.NewTable(
		cfg.Limits.RoutingMax,
		time.Duration(cfg.Limits.RoutingMaxAge)*time.Second,
		verifier,
		func(repo identity.ID) bool { return !polStore.IsRepoBlocked(repo) },
		nil,
		log,
	)
	routingTable.AttachPersistence(routingStore)

	records, err := routingStore.LoadAll(context.Background())
	if err != nil {
		return fmt.Errorf("hwnode: hydrate routing table: %w", err)
	}
	for _, rec := range records {
		routingTable.Restore(rec.Repo, rec.Node, rec.LastSeen)
	}
	log.Infof("hwnode: hydrated %d routes from %s", len(records), cfg.RoutingDBPath())

	dispatcher := &nodeFetchDispatcher{backend: backend, log: log}
	reactor := service.NewReactor(cfg.Network.Magic, routingTable, dispatcher, log)

	log.Infof("hwnode: listening on %s (home=%s)", cfg.Network.ListenAddr, cfg.Home)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reactor.Tick()
			for _, op := range reactor.Outbox().Drain() {
				log.Debugf("hwnode: outbox op %v for %s", op.Kind, op.PeerID)
			}
		case <-sigCh:
			log.Info("hwnode: shutting down")
			return nil
		}
	}
}
