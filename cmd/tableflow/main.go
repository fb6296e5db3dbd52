package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tableflow/internal/app/display"
	"tableflow/internal/app/engine"
	"tableflow/internal/config"
)

func main() {
	mode := flag.String("mode", "", "engine-server | kitchen-display")
	configPath := flag.String("config", "", "path to config.yaml (default: check conventional locations)")

	port := flag.Int("port", 3000, "engine-server: HTTP listen port")

	engineURL := flag.String("engine-url", "http://localhost:3000", "kitchen-display: engine base URL")
	restaurant := flag.String("restaurant", "", "kitchen-display: restaurant id")
	name := flag.String("display-name", "", "kitchen-display: worker display name")
	station := flag.String("station", "", "kitchen-display: station, e.g. grill")
	cookMode := flag.Bool("cook", false, "kitchen-display: simulate a cook working the queue")
	flag.Parse()

	path := *configPath
	if path == "" {
		var err error
		path, err = config.FindConfig()
		if err != nil {
			fmt.Fprintln(os.Stderr, "no config file found; pass --config")
			os.Exit(2)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "engine-server":
		if *port <= 0 || *port > 65535 {
			fmt.Fprintln(os.Stderr, "invalid --port")
			os.Exit(2)
		}
		err = engine.Run(ctx, cfg, *port)
	case "kitchen-display":
		if *restaurant == "" || *name == "" {
			fmt.Fprintln(os.Stderr, "kitchen-display needs --restaurant and --display-name")
			os.Exit(2)
		}
		err = display.Run(ctx, cfg, display.Options{
			EngineURL:    *engineURL,
			RestaurantID: *restaurant,
			DisplayName:  *name,
			Station:      *station,
			Cook:         *cookMode,
		})
	default:
		fmt.Fprintln(os.Stderr, "unknown --mode: want engine-server or kitchen-display")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
