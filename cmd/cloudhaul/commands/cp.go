package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cloudhaul/cloudhaul/internal/executor"
	"github.com/cloudhaul/cloudhaul/internal/logging"
	"github.com/cloudhaul/cloudhaul/internal/storage"
	"github.com/cloudhaul/cloudhaul/internal/storageurl"
	"github.com/cloudhaul/cloudhaul/internal/task"
	"github.com/cloudhaul/cloudhaul/internal/transfer"
)

var preserveACL bool

var cpCmd = &cobra.Command{
	Use:   "cp <source>... <destination>",
	Short: "Copy files and objects",
	Long: `Copy between local files and cloud objects.

Examples:
  cloudhaul cp ./report.parquet gs://warehouse/reports/report.parquet
  cloudhaul cp s3://bucket/big.bin ./big.bin
  cloudhaul cp gs://a/obj gs://b/obj
  cloudhaul cp s3://a/obj gs://b/obj
  cat data | cloudhaul cp - gs://bucket/data`,
	Args: cobra.MinimumNArgs(2),
	RunE: runCp,
}

func init() {
	cpCmd.Flags().BoolVar(&preserveACL, "preserve-acl", false, "Preserve object ACLs (same-provider copies only)")
}

func runCp(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	log := logging.Component("cp")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal, draining", "signal", sig.String())
		cancel()
	}()

	dst, err := storageurl.Parse(args[len(args)-1])
	if err != nil {
		return err
	}

	client := storage.NewBlobClient()
	defer client.Close()

	opts := transfer.Options{
		ComponentSize:      cfg.Transfer.ComponentSize,
		ComponentThreshold: cfg.Transfer.ComponentThreshold,
		VerifyHashes:       cfg.Transfer.VerifyHashes,
		TrackerDir:         cfg.Transfer.TrackerDir,
		PreserveACL:        preserveACL || cfg.Transfer.PreserveACL,
	}

	exec := executor.New(executor.Config{
		IOWorkers:  cfg.Transfer.IOWorkers,
		CPUWorkers: cfg.Transfer.CPUWorkers,
	}, task.SinkFunc(func(ev task.Event) {
		if ev.Kind == task.EventError {
			log.Error("transfer event", "task", ev.TaskName, "destination", ev.Destination, "error", ev.Err)
		}
	}))

	for _, raw := range args[:len(args)-1] {
		src, err := storageurl.Parse(raw)
		if err != nil {
			return err
		}

		t, err := transfer.NewCopyTask(client, src, dst, opts)
		if err != nil {
			return fmt.Errorf("%s -> %s: %w", src, dst, err)
		}
		exec.Submit(ctx, t)
	}

	res, err := exec.Wait()
	log.Info("copy finished", "succeeded", res.Succeeded, "failed", res.Failed)
	return err
}
