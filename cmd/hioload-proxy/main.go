// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// hioload-proxy: multi-worker event-driven L4/L7 proxy core with hot
// restart. --restart-epoch N+1 takes over the listen sockets and shared
// stats of the running epoch N process without dropping accepted traffic.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-proxy/api"
	"github.com/momentics/hioload-proxy/control"
	"github.com/momentics/hioload-proxy/hotrestart"
	"github.com/momentics/hioload-proxy/server"
	"github.com/momentics/hioload-proxy/stats"
)

var (
	configPath   = flag.String("config", "proxy.yaml", "path to the YAML proxy config")
	baseID       = flag.Uint("base-id", 0, "shared memory and domain socket namespace id")
	restartEpoch = flag.Uint("restart-epoch", 0, "hot restart generation, 0 for a fresh start")
	showVersion  = flag.Bool("version", false, "print the hot restart version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(hotrestart.VersionString())
		return
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := control.Load(*configPath)
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}

	id := uint32(*baseID)
	if id == 0 {
		id = cfg.BaseID
	}
	restarter, err := hotrestart.New(hotrestart.Options{
		BaseID:       id,
		RestartEpoch: uint32(*restartEpoch),
	})
	if err != nil {
		logrus.Fatalf("unable to initialize hot restart: %v", err)
	}
	logrus.Infof("starting epoch %d, hot restart version %s", *restartEpoch, hotrestart.VersionString())

	store := stats.NewStore(restarter)

	inst, err := server.NewInstance(cfg, store, restarter, passthroughFilterFactory{})
	if err != nil {
		logrus.Fatalf("startup failed: %v", err)
	}

	// Live config: reloads adjust what we can adjust at runtime (today the
	// log level); listener and cluster changes need a hot restart.
	cfgStore := control.NewConfigStore(cfg)
	cfgStore.OnReload(func(c *control.Config) {
		if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
			logrus.SetLevel(lvl)
		}
	})
	watcher, err := control.NewConfigWatcher(*configPath, cfgStore)
	if err != nil {
		logrus.Warnf("config watching disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT)
	go func() {
		s := <-sigs
		logrus.Infof("caught %v, shutting down", s)
		inst.Exit()
	}()

	inst.Run()
}

// passthroughFilterFactory installs a filter that consumes downstream
// bytes. The real filter chain (router, TLS, HTTP connection manager) is
// configured by the embedding deployment; a listener with no chain at all
// would close every connection on accept.
type passthroughFilterFactory struct{}

func (passthroughFilterFactory) CreateFilterChain(conn api.Connection) bool {
	conn.AddReadFilter(passthroughFilter{})
	return true
}

type passthroughFilter struct{}

func (passthroughFilter) OnNewConnection() api.FilterStatus { return api.FilterContinue }
func (passthroughFilter) OnData([]byte) api.FilterStatus    { return api.FilterContinue }
