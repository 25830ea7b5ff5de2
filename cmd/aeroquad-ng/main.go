package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"aeroquad-ng/internal/config"
)

func main() {
	var configPath string
	var stdinConsole bool
	flag.StringVar(&configPath, "config", "./aeroquad.yaml", "Path to YAML config")
	flag.BoolVar(&stdinConsole, "stdin-console", false, "Serve the console on stdin/stdout instead of console.serial_port")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(cfg)
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}
	defer rt.Close()
	if stdinConsole {
		rt.consoleRW = stdio{}
	}

	log.Printf("aeroquad-ng starting tick=%s", cfg.Scheduler.Tick)
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("aeroquad-ng stopped err=%v", err)
		return
	}
	log.Printf("aeroquad-ng stopping")
}

type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
