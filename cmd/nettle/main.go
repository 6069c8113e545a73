package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nettlebot/nettle/internal/config"
	"github.com/nettlebot/nettle/internal/dispatch"
	"github.com/nettlebot/nettle/internal/history"
	"github.com/nettlebot/nettle/internal/irc"
	"github.com/nettlebot/nettle/internal/logging"
	"github.com/nettlebot/nettle/internal/notes"
	"github.com/nettlebot/nettle/internal/seen"
	"github.com/nettlebot/nettle/internal/storage"
	"github.com/nettlebot/nettle/internal/tell"
	"go.uber.org/zap"
)

// Version information - set at build time via ldflags
var version = "dev"

const reconnectDelay = 2 * time.Minute

func main() {
	foreground := flag.Bool("x", false, "Run in foreground (don't daemonize)")
	configPath := flag.String("c", "./config.yaml", "Path to configuration file")
	debug := flag.Bool("d", false, "Enable debug logging")
	showVersion := flag.Bool("v", false, "Show version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nettle version %s\n", version)
		os.Exit(0)
	}

	irc.Version = version

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
	if os.Getenv("NETTLE_DAEMON") == "1" {
		if err := writePIDFile(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
		}
		fmt.Printf("Now becoming a daemon\nMy pid is %d, this has been written to nettle.pid\n", os.Getpid())

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
	cmd.Env = append(os.Environ(), "NETTLE_DAEMON=1")
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to fork: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func writePIDFile() error {
	return os.WriteFile("nettle.pid", []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
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

	// Stores live across reconnects; only the session is rebuilt. The
	// mailbox and notes pad are shared with the executor process on disk and
	// reloaded before every delivery pass, so they start empty here.
	buffer := history.NewBuffer(history.DefaultCapacity)
	if err := buffer.Load(cfg.DataDir); err != nil && !os.IsNotExist(err) {
		log.Warn("could not load message history", zap.Error(err))
	}
	mailbox := tell.NewMailbox(cfg.DataDir)
	pad := notes.NewPad(cfg.DataDir)
	seenStore := seen.NewStore(cfg.DataDir)
	if err := seenStore.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("could not load last-seen records", zap.Error(err))
	}
	ignored, err := storage.LoadLines(cfg.DataDir, "ignore_list.txt")
	if err != nil && !os.IsNotExist(err) {
		log.Warn("could not load ignore list", zap.Error(err))
	}

	executor := dispatch.NewClient(cfg.DispatchAddr, log)
	defer executor.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received signal, shutting down", zap.Stringer("signal", sig))
		cancel()
	}()

	deps := irc.Deps{
		History:  buffer,
		Seen:     seenStore,
		Mailbox:  mailbox,
		Pad:      pad,
		Dispatch: executor,
		Ignored:  ignored,
	}

	for {
		err := runSession(ctx, cfg, deps, log)
		saveState(cfg, buffer, seenStore, log)

		switch {
		case ctx.Err() != nil:
			log.Info("shutdown complete")
			return
		case errors.Is(err, irc.ErrAuthRejected), errors.Is(err, irc.ErrNickCollision):
			log.Fatal("unrecoverable session failure", zap.Error(err))
		default:
			log.Warn("session ended, reconnecting",
				zap.Error(err),
				zap.Duration("delay", reconnectDelay))
		}

		select {
		case <-ctx.Done():
			log.Info("shutdown complete")
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// runSession dials and services one connection attempt on a fresh session.
func runSession(ctx context.Context, cfg *config.Config, deps irc.Deps, log *zap.Logger) error {
	session := irc.NewSession(cfg, log)
	if err := session.Dial(ctx); err != nil {
		return err
	}
	defer session.Close()

	log.Info("connected", zap.String("server", cfg.Server), zap.Int("port", cfg.Port))
	return irc.NewOrchestrator(session, deps, log).Run(ctx)
}

// saveState persists the stores this process owns the writes for. The
// mailbox and notes pad are saved by whichever process last mutated them;
// overwriting them here would clobber entries the executor added since they
// were last read.
func saveState(cfg *config.Config, buffer *history.Buffer, seenStore *seen.Store, log *zap.Logger) {
	if err := buffer.Save(cfg.DataDir); err != nil {
		log.Error("saving message history failed", zap.Error(err))
	}
	if err := seenStore.Save(); err != nil {
		log.Error("saving last-seen records failed", zap.Error(err))
	}
}
