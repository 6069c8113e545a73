package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nettlebot/nettle/internal/commands"
	"github.com/nettlebot/nettle/internal/config"
	"github.com/nettlebot/nettle/internal/dispatch"
	"github.com/nettlebot/nettle/internal/logging"
	"github.com/nettlebot/nettle/internal/notes"
	"github.com/nettlebot/nettle/internal/seen"
	"github.com/nettlebot/nettle/internal/tell"
	"go.uber.org/zap"
)

// Version information - set at build time via ldflags
var version = "dev"

func main() {
	foreground := flag.Bool("x", false, "Run in foreground (don't daemonize)")
	configPath := flag.String("c", "./config.yaml", "Path to configuration file")
	debug := flag.Bool("d", false, "Enable debug logging")
	showVersion := flag.Bool("v", false, "Show version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nettle-exec version %s\n", version)
		os.Exit(0)
	}

	commands.Version = version

	if !*foreground {
		daemonize()
		return
	}

	if err := writePIDFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
	}

	run(*configPath, *debug)
}

// daemonize performs double-fork to become a daemon
func daemonize() {
	if os.Getenv("NETTLE_EXEC_DAEMON") == "1" {
		if err := writePIDFile(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
		}
		fmt.Printf("Now becoming a daemon\nMy pid is %d, this has been written to nettle-exec.pid\n", os.Getpid())

		args := append(os.Args, "-x")
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Env = os.Environ()
		if err := cmd.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start daemon: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), "NETTLE_EXEC_DAEMON=1")
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to fork: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func writePIDFile() error {
	return os.WriteFile("nettle-exec.pid", []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

func run(configPath string, debug bool) {
	if !filepath.IsAbs(configPath) {
		wd, _ := os.Getwd()
		configPath = filepath.Join(wd, configPath)
	}

	log, err := logging.New(debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal("failed to create data directory", zap.Error(err))
	}

	mailbox := tell.NewMailbox(cfg.DataDir)
	if err := mailbox.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("could not load message queue", zap.Error(err))
	}
	seenStore := seen.NewStore(cfg.DataDir)
	if err := seenStore.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("could not load last-seen records", zap.Error(err))
	}
	pad := notes.NewPad(cfg.DataDir)
	if err := pad.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("could not load notes", zap.Error(err))
	}

	table := commands.NewTable(cfg, mailbox, seenStore, pad, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received signal, shutting down", zap.Stringer("signal", sig))
		cancel()
	}()

	ln, err := net.Listen("tcp", cfg.DispatchAddr)
	if err != nil {
		log.Fatal("failed to listen", zap.String("addr", cfg.DispatchAddr), zap.Error(err))
	}
	log.Info("executor listening", zap.String("addr", cfg.DispatchAddr))

	srv := dispatch.NewServer(table.Handle, log)
	if err := srv.Serve(ctx, ln); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("serve failed", zap.Error(err))
	}
	log.Info("shutdown complete")
}
