// Command eventstored runs the embedded event store as a standalone
// process: the durable log, the admission controller, and whatever
// projection workers the embedding deployment has registered.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/driftwave/eventstore/pkg/admission"
	"github.com/driftwave/eventstore/pkg/cfgstruct"
	"github.com/driftwave/eventstore/pkg/eventstore"
	"github.com/driftwave/eventstore/pkg/process"
)

// Config is eventstored's top-level configuration, bound to flags and
// EVENTSTORE_* environment variables via pkg/process.
type Config struct {
	Path string `default:"./data" usage:"root directory for events/ and projections/"`

	SegmentSizeCapMB int `default:"128" usage:"segment roll size cap in MiB"`
	PayloadCapKB     int `default:"1024" usage:"maximum single event payload size in KiB"`
	LocatorCache     int `default:"4096" usage:"max streams with a warm locator cache"`

	TargetP99Ms  int `default:"50" usage:"admission controller latency target"`
	InitialLimit int `default:"64" usage:"admission controller starting concurrency limit"`
	MaxLimit     int `default:"4096" usage:"admission controller hard concurrency cap"`
}

var (
	runCfg     Config
	recoverCfg Config

	rootCmd = &cobra.Command{
		Use:   "eventstored",
		Short: "embedded event store daemon",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "open the store and block, running the admission controller tick loop",
		RunE:  cmdRun,
	}
	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "open the store (running recovery), log completion, then exit",
		RunE:  cmdRecover,
	}
)

func init() {
	process.Bind(runCmd, &runCfg, cfgstruct.ConfDir("./data"))
	process.Bind(recoverCmd, &recoverCfg, cfgstruct.ConfDir("./data"))
	rootCmd.AddCommand(runCmd, recoverCmd)
}

func main() {
	if err := process.Exec(rootCmd); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func storeConfig(c Config) eventstore.Config {
	cfg := eventstore.DefaultConfig()
	if c.SegmentSizeCapMB > 0 {
		cfg.SegmentSizeCap = int64(c.SegmentSizeCapMB) * 1024 * 1024
	}
	if c.PayloadCapKB > 0 {
		cfg.PayloadSizeCap = c.PayloadCapKB * 1024
	}
	if c.LocatorCache > 0 {
		cfg.LocatorCache = c.LocatorCache
	}
	return cfg
}

func cmdRecover(cmd *cobra.Command, args []string) error {
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store, err := eventstore.Open(recoverCfg.Path, storeConfig(recoverCfg), log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	log.Info("recovery complete", zap.String("path", recoverCfg.Path))
	return nil
}

func cmdRun(cmd *cobra.Command, args []string) error {
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store, err := eventstore.Open(runCfg.Path, storeConfig(runCfg), log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	admissionController := admission.New(admission.Config{
		TargetP99Ms:  float64(runCfg.TargetP99Ms),
		InitialLimit: runCfg.InitialLimit,
		MaxLimit:     runCfg.MaxLimit,
		SampleWindow: 512,
		TickInterval: admission.DefaultConfig().TickInterval,
	})
	defer admissionController.Stop()

	log.Info("eventstored running", zap.String("path", runCfg.Path))

	// block forever; operators stop the process to shut down. Registered
	// projections are started by the embedding application via
	// pkg/projection, not here — eventstored's job is the log and the
	// admission gate.
	select {}
}
