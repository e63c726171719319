// Command ytflowcored is a standalone host process exposing the
// runtime_new/runtime_load/runtime_stop/runtime_free surface an
// embedding FFI bridge would drive, reading a JSON profile from disk
// instead. Flag setup, signal handling, and github.com/pkg/profile
// CPU/mem profiling switches follow the usual cli daemon shape.
package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/profile"
	"go.uber.org/zap"

	"github.com/ytflow/ytflowcore/kernel"
	"github.com/ytflow/ytflowcore/loader"
	"github.com/ytflow/ytflowcore/logging"
	"github.com/ytflow/ytflowcore/registry"

	_ "github.com/ytflow/ytflowcore/plugins/direct"
	_ "github.com/ytflow/ytflowcore/plugins/dnsserver"
	_ "github.com/ytflow/ytflowcore/plugins/mux"
	_ "github.com/ytflow/ytflowcore/plugins/reject"
	_ "github.com/ytflow/ytflowcore/plugins/resolverdoh"
	_ "github.com/ytflow/ytflowcore/plugins/router"
	_ "github.com/ytflow/ytflowcore/plugins/socketinbound"
	_ "github.com/ytflow/ytflowcore/plugins/switch"
	_ "github.com/ytflow/ytflowcore/plugins/udpinbound"
)

var (
	configPath string
	logFile    string
	logLevel   int
	workers    int
	connCap    int

	startCPUProf bool
	startMemProf bool
)

func init() {
	flag.StringVar(&configPath, "c", "profile.json", "profile file to load")
	flag.StringVar(&logFile, "lf", "", "additionally log to this rotated file")
	flag.IntVar(&logLevel, "ll", int(logging.LevelInfo), "log level, 0=debug 1=info 2=warn 3=error")
	flag.IntVar(&workers, "workers", 0, "scheduler worker count, 0 = GOMAXPROCS")
	flag.IntVar(&connCap, "conn-cap", kernel.DefaultConnTableCap, "maximum concurrent flows")

	flag.BoolVar(&startCPUProf, "pp", false, "cpu pprof")
	flag.BoolVar(&startMemProf, "mp", false, "memory pprof")
}

// fileRecord is the on-disk shape of one loader.PluginRecord, with
// Param left as a generic map rather than an already-packed blob.
type fileRecord struct {
	Name    string         `json:"name"`
	Kind    string         `json:"kind"`
	Version uint16         `json:"version"`
	Param   map[string]any `json:"param"`
}

type fileProfile struct {
	Records []fileRecord `json:"records"`
	Entries []string     `json:"entries"`
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	logger := logging.SetupLogger(logging.Config{Level: logging.Level(logLevel), File: logFile})
	defer logger.Sync()

	if startCPUProf {
		defer profile.Start(profile.CPUProfile, profile.NoShutdownHook).Stop()
	}
	if startMemProf {
		defer profile.Start(profile.MemProfile, profile.MemProfileRate(1), profile.NoShutdownHook).Stop()
	}

	logger.Info("ytflowcored starting", zap.String("config", configPath))

	prof, err := loadProfile(configPath)
	if err != nil {
		logger.Error("failed to load profile file", zap.Error(err))
		return 1
	}

	k := kernel.RuntimeNew(kernel.Options{
		Workers:      workers,
		ConnTableCap: connCap,
		Logger:       logger,
	})

	if err := k.RuntimeLoad(registry.Global, prof); err != nil {
		logger.Error("runtime_load failed", zap.Error(err))
		k.RuntimeFree()
		return 1
	}
	logger.Info("runtime loaded", zap.Int("entry_access_points", len(k.EntryAccessPoints())))

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)
	<-osSignals

	logger.Info("shutdown signal received, draining")
	k.RuntimeStop()
	k.RuntimeFree()
	logger.Info("ytflowcored exited")
	return 0
}

func loadProfile(path string) (loader.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return loader.Profile{}, err
	}
	var fp fileProfile
	if err := json.Unmarshal(data, &fp); err != nil {
		return loader.Profile{}, err
	}

	profileID := uuid.New()
	records := make([]loader.PluginRecord, 0, len(fp.Records))
	for _, r := range fp.Records {
		blob, err := registry.EncodeParam(r.Param)
		if err != nil {
			return loader.Profile{}, err
		}
		records = append(records, loader.PluginRecord{
			ID:        uuid.New(),
			Name:      r.Name,
			Kind:      r.Kind,
			Version:   r.Version,
			Param:     blob,
			ProfileID: profileID,
		})
	}
	return loader.Profile{ID: profileID, Records: records, Entries: fp.Entries}, nil
}
