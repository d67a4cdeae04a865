package commands

import (
	"github.com/spf13/cobra"

	"github.com/cloudhaul/cloudhaul/internal/executor"
	"github.com/cloudhaul/cloudhaul/internal/listing"
	"github.com/cloudhaul/cloudhaul/internal/logging"
	"github.com/cloudhaul/cloudhaul/internal/storage"
	"github.com/cloudhaul/cloudhaul/internal/storageurl"
)

var lsOutput string

var lsCmd = &cobra.Command{
	Use:   "ls <container-url>",
	Short: "Write a sorted listing of a container",
	Long: `Produce a totally-ordered, duplicate-free listing file for a container
or prefix, suitable for tree-diffing against another container.

Example:
  cloudhaul ls gs://bucket/prefix --output listing.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runLs,
}

func init() {
	lsCmd.Flags().StringVar(&lsOutput, "output", "listing.txt", "Path of the sorted listing file")
}

func runLs(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	log := logging.Component("ls")

	container, err := storageurl.Parse(args[0])
	if err != nil {
		return err
	}

	client := storage.NewBlobClient()
	defer client.Close()

	exec := executor.New(executor.Config{
		IOWorkers:  cfg.Transfer.IOWorkers,
		CPUWorkers: cfg.Transfer.CPUWorkers,
	}, nil)

	exec.Submit(cmd.Context(), &listing.GetSortedContainerContentsTask{
		Client:       client,
		Container:    container,
		OutputPath:   lsOutput,
		ChunkSize:    cfg.Listing.ChunkSize,
		ScratchDir:   cfg.Listing.ScratchDir,
		MaxOpenFiles: cfg.Listing.MaxOpenFiles,
	})

	_, err = exec.Wait()
	if err == nil {
		log.Info("listing written", "output", lsOutput)
	}
	return err
}
