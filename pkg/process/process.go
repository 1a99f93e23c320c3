// Package process is the thin bootstrap layer every eventstore binary
// shares: config binding (via cfgstruct), environment override (via
// viper), structured logging setup, and a uniform Main entrypoint for
// running one or more long-lived services under a single process.
package process

import (
	"bytes"
	"context"
	"flag"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/driftwave/eventstore/pkg/cfgstruct"
)

// ErrLogger is returned or wrapped for logging-setup failures.
var ErrLogger = errs.Class("process")

const envPrefix = "EVENTSTORE"

// Service is a long-running component Main can drive: the store daemon,
// the admission tick loop, a projection worker supervisor, ...
type Service interface {
	// InstanceID identifies this service instance in logs.
	InstanceID() string
	// Process runs the service to completion (or until ctx is done).
	Process(ctx context.Context, cmd *cobra.Command, args []string) error
	// SetLogger installs the process-wide logger into the service.
	SetLogger(*zap.Logger) error
}

// Bind registers config's fields as flags on cmd and binds them into viper.
func Bind(cmd *cobra.Command, config interface{}, opts ...cfgstruct.BindOpt) {
	cfgstruct.Bind(cmd.Flags(), config, opts...)
	_ = viper.BindPFlags(cmd.Flags())
}

// Exec merges any stdlib `flag` package flags into cmd, binds
// EVENTSTORE_* environment overrides via viper, and applies them to the
// command's flags before running cmd.RunE (if set).
func Exec(cmd *cobra.Command) error {
	cmd.Flags().AddGoFlagSet(flag.CommandLine)

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return errs.Wrap(err)
	}

	var firstErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if !viper.IsSet(f.Name) {
			return
		}
		if err := cmd.Flags().Set(f.Name, viper.GetString(f.Name)); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	if firstErr != nil {
		return errs.Wrap(firstErr)
	}

	if cmd.RunE != nil {
		return cmd.RunE(cmd, nil)
	}
	return nil
}

// SaveConfig writes every non-hidden flag on cmd to path as a commented
// YAML skeleton (`# name: default`) for an operator to edit.
func SaveConfig(cmd *cobra.Command, path string) error {
	var buf bytes.Buffer
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		buf.WriteString("# ")
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.DefValue)
		buf.WriteString("\n")
	})
	return errs.Wrap(os.WriteFile(path, buf.Bytes(), 0644))
}

// Main runs logSetup (if non-nil), builds a development logger, calls
// SetLogger then Process on every service, and returns the first error
// encountered. The logger is always zap.NewDevelopment; logSetup does not
// change it.
func Main(logSetup func() error, services ...Service) error {
	if logSetup != nil {
		if err := logSetup(); err != nil {
			return ErrLogger.Wrap(err)
		}
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return ErrLogger.Wrap(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	cmd := &cobra.Command{}

	var firstErr error
	for _, svc := range services {
		if err := svc.SetLogger(logger); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := svc.Process(ctx, cmd, nil); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
