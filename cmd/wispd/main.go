// Command wispd runs a Wisp protocol multiplexer server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/sammck-go/wisp/wisp"
)

func main() {
	var (
		listen      = flag.String("listen", ":8080", "address to listen on")
		configPath  = flag.String("config", "", "path to a JSON options config file (hot-reloaded)")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warning, error")
		wispVersion = flag.Int("wisp-version", 2, "wisp protocol version to negotiate (1 or 2)")
		motd        = flag.String("motd", "", "message of the day advertised over the v2 MOTD extension")
		accessLog   = flag.Bool("access-log", false, "log every HTTP request")
	)
	flag.Parse()

	level := wisp.StringToLogLevel(*logLevel)
	if level == wisp.LogLevelUnknown {
		fmt.Fprintf(os.Stderr, "wispd: unknown log level %q\n", *logLevel)
		os.Exit(2)
	}
	logger := wisp.NewLogger("wispd", level)

	initial := wisp.DefaultOptions()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			logger.ELogf("reading %s: %s", *configPath, err)
			os.Exit(1)
		}
		if initial, err = wisp.ParseOptionsJSON(data); err != nil {
			logger.ELogf("parsing %s: %s", *configPath, err)
			os.Exit(1)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "wisp-version":
			initial.WispVersion = *wispVersion
		case "motd":
			initial.MOTD = *motd
		}
	})

	loader, err := wisp.NewLoader(logger.Fork("options"), *configPath, initial)
	if err != nil {
		logger.ELogf("starting options loader: %s", err)
		os.Exit(1)
	}
	defer loader.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	front := wisp.NewFrontDoor(logger, loader, *accessLog)
	if err := front.Run(ctx, *listen); err != nil && ctx.Err() == nil {
		logger.ELogf("server exited: %s", err)
		os.Exit(1)
	}
}
