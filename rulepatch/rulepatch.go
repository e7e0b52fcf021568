// Command rulepatch loads a rule configuration and patches the programs it
// describes.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/rulepatch/rulepatch/patchfile"
	"github.com/rulepatch/rulepatch/rules"
	"github.com/rulepatch/rulepatch/service"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var version = "unknown"

func errexit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	os.Exit(1)
}

func main() {
	fs := pflag.NewFlagSet("rulepatch", pflag.ContinueOnError)
	cfgFile := fs.StringP("config", "c", "", "the config file (default ./rulepatch.yaml if it exists)")
	fs.StringP("payload", "p", "", "the path or url of the rule configuration")
	fs.StringP("format", "f", "yaml", fmt.Sprintf("the payload format (one of: %s)", strings.Join(patchfile.GetFormats(), ",")))
	fs.String("log-level", "warn", "the log level (trace, debug, info, warn, error)")
	fs.String("log-file", "", "write the log to a file instead of stderr")
	fs.String("cache-dir", "", "keep a copy of downloaded payloads in this directory")
	fs.Duration("cache-ttl", 0, "how long a downloaded payload is reused")
	fs.Bool("debug", false, "dump the views to stderr")
	showVersion := fs.BoolP("version", "V", false, "show the version")
	help := fs.BoolP("help", "h", false, "show this help text")

	if err := fs.Parse(os.Args[1:]); err != nil {
		errexit("Error: %v. See --help for more info.\n", err)
	}

	if *showVersion {
		fmt.Printf("rulepatch %s\n", version)
		os.Exit(0)
	}

	if *help || fs.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Usage: rulepatch [OPTIONS] COMMAND [ARGS]\n")
		fmt.Fprintf(os.Stderr, "\nVersion: %s\n\nCommands:\n%s\nOptions:\n", version, commandHelp())
		fs.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := loadConfig(viper.New(), fs, *cfgFile)
	if err != nil {
		errexit("Error: %v\n", err)
	}

	if _, ok := patchfile.GetFormat(cfg.Format); !ok {
		errexit("Error: invalid format %s. See --help for more info.\n", cfg.Format)
	}

	log, closer, err := newLogger(cfg)
	if err != nil {
		errexit("Error: %v\n", err)
	}
	defer closer.Close()
	hookLogs(log)
	log.WithField("version", version).Debugf("config: %+v", *cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, log, os.Stdout, fs.Args()); err != nil {
		log.WithError(err).Error("command failed")
		stop()
		closer.Close()
		if hint := rules.HintOf(err); hint != "" {
			errexit("Error: %v (%s)\n", err, hint)
		}
		errexit("Error: %v\n", err)
	}
}

// run loads the payload and runs a command on service.Default.
func run(ctx context.Context, cfg *config, log *logrus.Logger, out io.Writer, args []string) error {
	rc, err := loadPayload(ctx, cfg)
	if err != nil {
		return err
	}

	views, err := service.Default.Load(rc)
	if err != nil {
		return err
	}

	var v interface{}
	if args[0] == "list" {
		if len(args) != 1 {
			return fmt.Errorf("usage: list")
		}
		v = views
	} else if v, err = runCommand(ctx, service.Default, args[0], args[1:]); err != nil {
		return err
	}

	if cfg.Debug {
		spew.Fdump(log.Out, v)
	}
	if v == nil {
		return nil
	}
	return printView(out, v)
}

func loadPayload(ctx context.Context, cfg *config) (*rules.Config, error) {
	if strings.HasPrefix(cfg.Payload, "http://") || strings.HasPrefix(cfg.Payload, "https://") {
		return patchfile.NewFetcher(cfg.CacheDir, cfg.CacheTTL).Fetch(ctx, cfg.Format, cfg.Payload)
	}
	return patchfile.ReadFromFile(cfg.Format, cfg.Payload)
}

func printView(w io.Writer, v interface{}) error {
	buf, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode view: %w", err)
	}
	_, err = w.Write(buf)
	return err
}
