// Command engine runs the ticket execution engine: it serves the agent
// HTTP surface and drives the scheduler loop until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgelabs/ticket-engine"
	"github.com/forgelabs/ticket-engine/internal/project"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	def := engine.DefaultConfig()
	var (
		dbPath        = flag.String("db", def.DBPath, "SQLite database path")
		repoRoot      = flag.String("repo", def.RepoRoot, "Repository root worktrees are created under")
		mainBranch    = flag.String("main-branch", def.MainBranch, "Main branch worktrees are created from")
		maxSlots      = flag.Int("max-slots", def.MaxSlots, "Maximum concurrent execution slots")
		verifierURL   = flag.String("verifier-url", def.VerifierURL, "Base URL of the external verification service")
		listenAddr    = flag.String("listen", def.ListenAddr, "Agent HTTP surface listen address")
		maxConcurrent = flag.Int("max-concurrent", def.MaxConcurrent, "Maximum tickets the scheduler dispatches at once")
		leaseWindow   = flag.Duration("lease-window", def.LeaseWindow, "Lease duration granted on claim/heartbeat")
		basePoll      = flag.Duration("poll-interval", def.BasePoll, "Base scheduler poll interval")
		seedProject   = flag.String("seed-project", "", "project_id to bind on startup, format id=owner/repo[@branch]")
		showVersion   = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ticket-engine %s (commit: %s)\n", version, gitCommit)
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg := engine.Config{
		DBPath:        *dbPath,
		RepoRoot:      *repoRoot,
		MainBranch:    *mainBranch,
		MaxSlots:      *maxSlots,
		VerifierURL:   *verifierURL,
		GitHubToken:   os.Getenv("GITHUB_TOKEN"),
		ListenAddr:    *listenAddr,
		MaxConcurrent: *maxConcurrent,
		LeaseWindow:   *leaseWindow,
		BasePoll:      *basePoll,
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start engine: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	if *seedProject != "" {
		if err := seedProjectBinding(eng, *seedProject); err != nil {
			fmt.Fprintf(os.Stderr, "failed to seed project: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("ticket engine starting", "db", *dbPath, "listen", *listenAddr, "maxConcurrent", *maxConcurrent)
	if err := eng.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "engine error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("ticket engine stopped")
}

// seedProjectBinding parses "id=owner/repo[@branch]" and registers it,
// a convenience for standing up a fresh database without a separate
// admin tool.
func seedProjectBinding(eng *engine.Engine, spec string) error {
	id, rest, ok := cut(spec, '=')
	if !ok {
		return fmt.Errorf("seed-project must be of the form id=owner/repo[@branch], got %q", spec)
	}
	repoURL, branch, hasBranch := cut(rest, '@')
	if !hasBranch {
		branch = "main"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return eng.Projects().Put(ctx, project.Project{ID: id, RepoURL: repoURL, BaseBranch: branch})
}

func cut(s string, sep byte) (before, after string, found bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
