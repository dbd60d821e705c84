// Command pgsentry is the per-node HA supervisor agent entrypoint: it loads
// configuration, wires the DCS backend, the database process manager, the
// config reconciler, the async executor, the status HTTP API and the
// watchdog, then runs the control loop until terminated — grounded on the
// teacher's main()/server.Run() bootstrap in server/server.go, reduced to
// this core's own component set.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/signal18/pgsentry/cluster"
	"github.com/signal18/pgsentry/config"
	"github.com/signal18/pgsentry/dcs"
	"github.com/signal18/pgsentry/dcs/consul"
	"github.com/signal18/pgsentry/dcs/etcd"
	"github.com/signal18/pgsentry/dcs/k8s"
	"github.com/signal18/pgsentry/executor"
	"github.com/signal18/pgsentry/httpapi"
	"github.com/signal18/pgsentry/internal/hlog"
	"github.com/signal18/pgsentry/postgres"
	"github.com/signal18/pgsentry/reconcile"
	"github.com/signal18/pgsentry/tags"
	"github.com/signal18/pgsentry/watchdog"
)

func main() {
	configPath := pflag.String("config", "", "path to config.toml (default: search /etc/pgsentry, ./.pgsentry, .)")
	useEmbedded := pflag.Bool("init-embedded-config", false, "materialize the embedded default config on first run")
	pflag.Parse()

	if *useEmbedded {
		if err := config.MaterializeEmbedded("./.pgsentry"); err != nil {
			log.WithError(err).Fatal("pgsentry: could not materialize embedded default config")
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("pgsentry: configuration error")
	}

	logBuf := hlog.Setup(cfg.LogLevel, cfg.LogBufferSize, cfg.LogSyslog)

	dcsClient, err := newDCSClient(cfg)
	if err != nil {
		log.WithError(err).Fatal("pgsentry: could not initialize dcs backend")
	}

	pg := postgres.New(cfg.PostgresqlDataDir, cfg.PostgresqlBinDir, cfg.PostgresqlHost, cfg.PostgresqlPort, cfg.PostgresqlUser, cfg.PostgresqlDatabase)
	registry := reconcile.LoadRegistry(cfg.ExtraValidatorFiles...)
	exec := executor.New()
	wd := watchdog.New(cfg.WatchdogDevice, time.Duration(cfg.WatchdogInterval)*time.Second)

	controller := cluster.New(cfg, dcsClient, pg, registry, exec, wd, tags.Tags{})

	api := &httpapi.Server{Controller: controller, DCS: dcsClient, LogBuffer: logBuf}
	go func() {
		if err := api.Serve(cfg.RestAPIListen); err != nil {
			log.WithError(err).Warn("pgsentry: http api server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go controller.Run(ctx)

	waitForTermination(controller, pg, dcsClient, cancel)

	exec.Close()
	_ = api.Close()
	_ = wd.Close()
}

// waitForTermination blocks until SIGTERM/SIGINT, at which point it cancels
// the loop, releases the leader lease, and stops the database with `fast`
// mode (spec.md §5's cancellation rules). SIGHUP requests a config reload;
// SIGCHLD is reaped because this process runs as PID 1 in containers.
func waitForTermination(controller *cluster.Controller, pg *postgres.Manager, dcsClient dcs.Client, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGCHLD)

	for sig := range sigs {
		switch sig {
		case syscall.SIGHUP:
			controller.RequestReload()
		case syscall.SIGCHLD:
			reapChildren()
		case syscall.SIGTERM, syscall.SIGINT:
			log.Info("pgsentry: shutting down")
			controller.Stop()
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = dcsClient.ReleaseLeader(shutdownCtx)
			_, _ = pg.Stop(shutdownCtx, postgres.StopFast, nil, nil, 25*time.Second)
			shutdownCancel()
			return
		}
	}
}

// reapChildren collects any reparented grandchild processes left by the
// database's helper subprocesses when this binary runs as PID 1.
func reapChildren() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
	}
}

func newDCSClient(cfg config.Config) (dcs.Client, error) {
	ttl := time.Duration(cfg.TTL) * time.Second

	switch cfg.DCSBackend {
	case "etcd":
		return etcd.New(etcd.Config{
			Endpoints: cfg.EtcdEndpoints, Scope: cfg.Scope, Name: cfg.Name,
			TTL: ttl, DialTimeout: 5 * time.Second,
			Username: cfg.EtcdUsername, Password: cfg.EtcdPassword,
		})

	case "consul":
		return consul.New(consul.Config{
			Address: cfg.ConsulAddress, Token: cfg.ConsulToken,
			Scope: cfg.Scope, Name: cfg.Name, TTL: ttl,
		})

	case "kubernetes":
		restCfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("pgsentry: kubernetes backend requires in-cluster config: %w", err)
		}
		cs, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, err
		}
		return k8s.New(k8s.Config{Namespace: cfg.KubernetesNamespace, Scope: cfg.Scope, Name: cfg.Name, TTL: ttl}, cs), nil

	default:
		return nil, fmt.Errorf("pgsentry: unknown dcs_backend %q", cfg.DCSBackend)
	}
}
