package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/raphaelgruber/compendium/internal/models"
	"github.com/raphaelgruber/compendium/internal/service"
	"github.com/raphaelgruber/compendium/internal/storage"
	"github.com/spf13/cobra"
)

var (
	submitFlags generationFlags
	submitOwner string
	submitWatch bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Upload a document and queue a deck generation job",
	Long: `Upload a document (PDF, Markdown or plain text) to the document store
and create a pending job for it. A running worker picks it up.

Examples:
  compendium submit notes.md
  compendium submit textbook.pdf --pages 12-30 --subject Biology --chapter "Cell Division"
  compendium submit lecture.pdf --density high --tags exam,week3 --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitFlags.register(submitCmd)
	submitCmd.Flags().StringVar(&submitOwner, "owner", "", "owner recorded on the job (default $USER)")
	submitCmd.Flags().BoolVarP(&submitWatch, "watch", "w", false, "follow the job's progress after submitting")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := args[0]

	pageRange, err := parsePageRange(submitFlags.pages)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	owner := submitOwner
	if owner == "" {
		owner = os.Getenv("USER")
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	publisher, closePublisher, err := openPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	job, err := submitDocument(ctx, jobs, store, publisher, cfg.Storage.SourcePrefix, service.CreateRequest{
		ID:        service.NewJobID(),
		OwnerID:   owner,
		PageRange: pageRange,
		Options:   submitFlags.options(),
	}, filepath.Base(path), data)
	if err != nil {
		return err
	}

	fmt.Printf("Submitted job %s (%s)\n", job.ID, job.Source.Filename)
	if !submitWatch {
		fmt.Printf("Use 'compendium watch %s' to follow its progress.\n", job.ID)
		return nil
	}
	return watchJob(ctx, jobs, job)
}

// submitDocument stores the document, creates the job and announces it.
func submitDocument(ctx context.Context, m *service.JobManager, store storage.Store, publisher jobPublisher, prefix string, req service.CreateRequest, filename string, data []byte) (*models.Job, error) {
	if req.ID == "" {
		req.ID = service.NewJobID()
	}
	key := storage.SourceKey(prefix, req.OwnerID, req.ID, filename)
	if _, err := store.Put(ctx, key, data); err != nil {
		return nil, fmt.Errorf("upload document: %w", err)
	}
	req.Source = models.Source{Key: key, Filename: filename}

	job, err := m.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := publisher.Publish(ctx, job); err != nil {
		// Pollers still find the pending job.
		slog.Warn("publish job", "job_id", job.ID, "error", err)
	}
	return job, nil
}
