package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"rowhammer/config"
	"rowhammer/log"
)

var version = "devel"

func main() {
	cli, cmd := parseArgs(os.Args[1:])
	if cmd == "version" {
		fmt.Println("rowhammer", version)
		return
	}

	path := cli.Config
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadOrDefault(path)
	checkf(err, "failed to load configuration")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, cli.Monitor, os.Stdout, os.Stderr)
	checkf(err, "failed to start")
	defer a.close()

	log.ModMain.DebugZ("starting").String("command", cmd).String("config", path).End()

	switch cmd {
	case "hammer":
		err = runHammer(ctx, a, cli.Hammer)
	case "retention":
		err = runRetention(ctx, a, cli.Retention)
	case "hcfirst":
		err = runHCFirst(ctx, a, cli.HCFirst)
	case "min-retention":
		err = runMinRetention(ctx, a, cli.MinRetention)
	case "sim":
		err = runSim(ctx, a, cli.Sim)
	case "rowmap":
		err = runRowMap(a, cli.RowMap)
	case "decode":
		err = runDecode(a, cli.Decode)
	default:
		fatalf("unknown command %q", cmd)
	}
	if err != nil {
		a.close()
		checkf(err, "%s failed", cmd)
	}
}
