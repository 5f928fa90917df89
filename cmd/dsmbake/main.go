package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/vdsm/dsmbake/internal/builder"
	"github.com/vdsm/dsmbake/internal/builder/runtime/docker"
	"github.com/vdsm/dsmbake/internal/shared/config"
	"github.com/vdsm/dsmbake/internal/shared/zlog"
)

var (
	flagKeep           bool
	flagNoCache        bool
	flagNoImageCleanup bool
	flagFromCheckpoint string
	flagExplore        bool
	flagCheckpoints    bool
	flagKVM            bool
	flagTCG            bool
)

var rootCmd = &cobra.Command{
	Use:   "dsmbake",
	Short: "Build a preconfigured Virtual DSM appliance image",
	Long: `Boots a Virtual DSM guest, drives its first-run setup, and flattens the
result into a distributable image. Intermediate states are persisted as
restartable checkpoints so repeated builds skip expensive steps.`,
	SilenceUsage:  true,
	SilenceErrors: true, // main prints the error once
	RunE:          runBuild,
}

func init() {
	rootCmd.Flags().BoolVar(&flagKeep, "keep", false, "Keep the build instance running on exit")
	rootCmd.Flags().BoolVar(&flagNoCache, "no-cache", false, "Ignore existing checkpoints and final artifact, rebuild fully")
	rootCmd.Flags().BoolVar(&flagNoImageCleanup, "disable-image-cleanup", false, "Skip garbage collection of dangling managed images")
	rootCmd.Flags().StringVar(&flagFromCheckpoint, "from-checkpoint", "", "Resume from a named checkpoint (start-ready, final; unique prefixes accepted)")
	rootCmd.Flags().BoolVar(&flagExplore, "explore", false, "Restore the checkpoint and stop before running further stages")
	rootCmd.Flags().BoolVar(&flagCheckpoints, "checkpoints", false, "Persist checkpoint artifacts during this run")
	rootCmd.Flags().BoolVar(&flagKVM, "kvm", false, "Force hardware-assisted virtualization")
	rootCmd.Flags().BoolVar(&flagTCG, "tcg", false, "Force software emulation")
}

func runBuild(cmd *cobra.Command, args []string) error {
	// optional; real configuration comes from the environment
	_ = godotenv.Load()

	cfg, err := config.LoadBuilderConfig()
	if err != nil {
		return err
	}

	logger := zlog.New(zlog.Config{
		Level:       cfg.LogLevel,
		Service:     "dsmbake",
		Environment: cfg.Environment,
	})

	if flagExplore && flagFromCheckpoint == "" {
		return fmt.Errorf("--explore requires --from-checkpoint")
	}

	accel, err := builder.ResolveAccel(flagKVM, flagTCG)
	if err != nil {
		return err
	}
	logger.Info("acceleration mode", "mode", accel)

	rt, err := docker.New(logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc := builder.NewService(cfg, builder.Options{
		Keep:                flagKeep,
		NoCache:             flagNoCache,
		DisableImageCleanup: flagNoImageCleanup,
		FromCheckpoint:      flagFromCheckpoint,
		Explore:             flagExplore,
		Checkpoints:         flagCheckpoints,
		Accel:               accel,
	}, rt, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// cleanup must run even when the run context is already cancelled
	defer svc.Cleanup(context.Background())

	if err := svc.Run(ctx); err != nil {
		logger.Error("build failed", "error", err)
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
