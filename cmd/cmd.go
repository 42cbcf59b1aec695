package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dosco/mongoqb/core"
	"github.com/dosco/mongoqb/mongodriver"
	"github.com/dosco/mongoqb/serv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// These variables are set using -ldflags
	version string
	commit  string
	date    string
)

var (
	log      *zap.SugaredLogger
	conf     *serv.Config
	svc      *serv.Service
	cpath    string
	useMock  bool
	jsonLogs bool
	verbose  bool

	// mockConn backs --mock for the lifetime of the process
	mockConn *core.MockConn

	appFs afero.Fs = afero.NewOsFs()
)

// Cmd is the entry point for the CLI
func Cmd() {
	log = newLogger(false, zap.InfoLevel).Sugar()

	if err := rootCmd().Execute(); err != nil {
		log.Fatalf("%s", err)
	}
}

func rootCmd() *cobra.Command {
	cobra.EnableCommandSorting = false
	c := &cobra.Command{
		Use:           "mongoqb",
		Short:         BuildDetails(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zap.InfoLevel
			if verbose {
				level = zap.DebugLevel
			}
			log = newLogger(jsonLogs, level).Sugar()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return closeService(cmd.Context())
		},
	}

	c.PersistentFlags().StringVar(&cpath,
		"path", "./config", "path to config files")

	// Add --config as an alias for --path
	c.PersistentFlags().StringVar(&cpath,
		"config", "./config", "alias for --path")
	c.PersistentFlags().MarkHidden("config") //nolint:errcheck

	c.PersistentFlags().BoolVar(&useMock,
		"mock", false, "use an in-memory database instead of mongodb")
	c.PersistentFlags().BoolVar(&jsonLogs,
		"json", false, "log in json format")
	c.PersistentFlags().BoolVarP(&verbose,
		"verbose", "v", false, "log every query sent to mongodb")

	c.AddCommand(initCmd())
	c.AddCommand(getCmd())
	c.AddCommand(countCmd())
	c.AddCommand(insertCmd())
	c.AddCommand(updateCmd())
	c.AddCommand(deleteCmd())
	c.AddCommand(dbCmd())
	c.AddCommand(demoCmd())
	c.AddCommand(versionCmd())

	return c
}

// setup is a helper function to read the config file
func setup(cpath string) error {
	if conf != nil {
		return nil
	}

	cp, err := filepath.Abs(cpath)
	if err != nil {
		return err
	}

	cn := serv.GetConfigName()

	// Create a default config only when the config directory is missing.
	// An existing directory without the file is reported by ReadInConfig.
	if ok, err := afero.DirExists(appFs, cp); err != nil {
		return err
	} else if !ok {
		configFile, err := writeDefaultConfig(cp, cn, false)
		if err != nil {
			return err
		}
		log.Infof("Created default config: %s", configFile)
	}

	if conf, err = serv.ReadInConfigFS(path.Join(cp, cn+".yml"), appFs); err != nil {
		return err
	}
	return nil
}

// initService opens the shared connection once per process
func initService(ctx context.Context) error {
	if svc != nil {
		return nil
	}

	opts := []serv.Option{serv.OptionSetLogger(log.Desugar())}

	if useMock {
		if conf == nil {
			c, err := serv.NewConfig("mongo_db: mongoqb\n", "yaml")
			if err != nil {
				return err
			}
			conf = c
		}
		if mockConn == nil {
			mockConn = core.NewMockConn()
		}
		opts = append(opts, serv.OptionSetConn(mockConn))
	} else {
		if err := setup(cpath); err != nil {
			return err
		}
		opts = append(opts, serv.OptionSetDialer(mongodriver.Dialer()))
	}

	s, err := serv.NewService(ctx, conf, opts...)
	if err != nil {
		return err
	}
	svc = s
	return nil
}

// closeService disconnects a live server. The in-memory database stays
// open so later commands in the same process still see its documents.
func closeService(ctx context.Context) error {
	if svc == nil || useMock {
		return nil
	}
	err := svc.Close(ctx)
	svc = nil
	return err
}

// newLogger creates a new logger writing to stderr so command output on
// stdout stays machine readable
func newLogger(json bool, level zapcore.Level) *zap.Logger {
	return newLoggerWithOutput(json, level, zapcore.Lock(os.Stderr))
}

// newLoggerWithOutput creates a new logger with a custom output
func newLoggerWithOutput(json bool, level zapcore.Level, output zapcore.WriteSyncer) *zap.Logger {
	econf := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		NameKey:        "logger",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	var zc zapcore.Core

	if json {
		zc = zapcore.NewCore(zapcore.NewJSONEncoder(econf), output, level)
	} else {
		econf.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc = zapcore.NewCore(zapcore.NewConsoleEncoder(econf), output, level)
	}
	return zap.New(zc)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), BuildDetails())
		},
	}
}

// BuildDetails returns the version, commit and build date
func BuildDetails() string {
	if version == "" {
		return `
MongoQB (unknown version)
For documentation, visit https://github.com/dosco/mongoqb

To build with version information set main.version, main.commit and
main.date with -ldflags
`
	}

	return fmt.Sprintf(`
MongoQB %v
For documentation, visit https://github.com/dosco/mongoqb

Commit SHA-1          : %v
Commit timestamp      : %v
Go version            : %v
`,
		version,
		commit,
		date,
		goVersion())
}

func goVersion() string {
	return strings.TrimPrefix(runtime.Version(), "go")
}
