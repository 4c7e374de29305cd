package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/mason-leap-lab/go-utils/config"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/collector"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/global"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/server"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/storage"
	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

var (
	options = global.DefaultOptions()
	log     = &logger.ColorLogger{Color: true, Level: logger.LOG_LEVEL_INFO}
	sig     = make(chan os.Signal, 1)
)

func init() {
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	global.Log = log
	logger.LevelProvider = func(_ logger.ILogger) int {
		return log.Level
	}
}

func main() {
	flags, err := config.ValidateOptions(options)
	if err == config.ErrPrintUsage {
		fmt.Fprintf(os.Stderr, "Usage: ./coordinator [options]\n")
		fmt.Fprintf(os.Stderr, "Available options:\n")
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	if options.Debug {
		log.Level = logger.LOG_LEVEL_ALL
	}
	log.Color = !options.NoColor

	if options.Collect != "" {
		if err := collector.Create(path.Join(options.LogDir, options.Collect)); err != nil {
			log.Warn("Failed to start the collector: %v", err)
		}
		defer collector.Stop()
	}

	store, err := storage.NewFileStore(options.LogDir, fmt.Sprintf("%s_%d_", options.Service, options.Shard))
	if err != nil {
		log.Error("Failed to open %s: %v", options.LogDir, err)
		os.Exit(1)
	}
	var meta storage.Meta
	if options.Meta != "" {
		meta, err = storage.OpenSQLiteMeta(options.Meta, options.Service, options.Shard)
		if err != nil {
			log.Error("Failed to open metadata at %s: %v", options.Meta, err)
			os.Exit(1)
		}
	} else {
		log.Warn("Metadata is kept in memory, no other instance can take over")
		meta = storage.NewMemoryMeta()
	}
	defer meta.Close()

	localLis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", options.LocalPort))
	if err != nil {
		log.Error("Failed to listen to the local service: %v", err)
		os.Exit(1)
	}
	peerLis, err := net.Listen("tcp", fmt.Sprintf(":%d", options.Port))
	if err != nil {
		log.Error("Failed to listen to peers: %v", err)
		os.Exit(1)
	}
	log.Info("Waiting for the local service on port %d, peers on port %d", options.LocalPort, options.Port)

	ins := server.New(options, store, meta, global.InstanceID)
	go func() {
		<-sig
		log.Info("Receive signal, closing coordinator...")
		ins.Close()
	}()

	err = ins.Serve(localLis, peerLis)
	ins.Close()
	if err != nil && err != server.ErrClosed {
		types.Fatal(err)
	}
	log.Info("Coordinator closed.")
}
