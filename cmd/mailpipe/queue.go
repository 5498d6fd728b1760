package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shineum/mailpipe/internal/config"
	"github.com/shineum/mailpipe/internal/pipeline"
	"github.com/shineum/mailpipe/internal/provider/stdout"
	"github.com/shineum/mailpipe/internal/queue"
)

var (
	listStatus string
	outputFmt  string
)

// errNoStorage is returned when queue commands run without persistence.
var errNoStorage = errors.New("storage.path is not set; the queue only exists inside a running server")

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the persisted delivery queue",
	Long: `Inspect and manage the persisted delivery queue. These commands open the
storage file directly and cannot run while a server holds it.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue items",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := queue.ParseStatus(listStatus)
		if err != nil {
			return err
		}
		return withQueue(cmd, func(pipe *pipeline.Pipeline, q *queue.Queue) error {
			return printItems(q.List(status))
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Give a failed item a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(pipe *pipeline.Pipeline, q *queue.Queue) error {
			if err := pipe.Retry(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Item %s requeued\n", args[0])
			return nil
		})
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge [id]",
	Short: "Remove a failed item and release its quota",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(pipe *pipeline.Pipeline, q *queue.Queue) error {
			if err := pipe.Purge(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Item %s purged\n", args[0])
			return nil
		})
	},
}

func init() {
	queueListCmd.Flags().StringVar(&listStatus, "status", "", "only list items in this status (pending, processing, retrying, failed)")
	queueListCmd.Flags().StringVarP(&outputFmt, "output", "o", "table", "output format (table, json)")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queuePurgeCmd)
}

// withQueue opens the persisted state and runs fn against an offline
// pipeline. Workers never run here, so the provider is never called.
func withQueue(cmd *cobra.Command, fn func(*pipeline.Pipeline, *queue.Queue) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Path == "" {
		return errNoStorage
	}
	return runOffline(cmd, cfg, fn)
}

func runOffline(cmd *cobra.Command, cfg *config.Config, fn func(*pipeline.Pipeline, *queue.Queue) error) error {
	st, err := openState(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	pipe, err := newPipeline(cfg, st, stdout.New(), nil)
	if err != nil {
		return err
	}
	return fn(pipe, st.queue)
}

// itemView is the printable form of a queue item.
type itemView struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	RetryCount  int      `json:"retry_count"`
	MaxRetries  int      `json:"max_retries"`
	CreatedAt   string   `json:"created_at"`
	AvailableAt string   `json:"available_at"`
	From        string   `json:"from"`
	To          []string `json:"to"`
	Size        int64    `json:"size"`
	LastError   string   `json:"last_error,omitempty"`
}

func viewOf(item queue.Item) itemView {
	v := itemView{
		ID:          item.ID,
		Status:      string(item.Status),
		Priority:    item.Priority.String(),
		RetryCount:  item.RetryCount,
		MaxRetries:  item.MaxRetries,
		CreatedAt:   item.CreatedAt.Format("2006-01-02 15:04:05"),
		AvailableAt: item.AvailableAt.Format("2006-01-02 15:04:05"),
		LastError:   item.LastError,
	}
	if job, err := pipeline.Decode(item.Payload); err == nil {
		v.From = job.Envelope.From
		v.To = job.Envelope.To
		v.Size = job.Size
	}
	if v.From == "" {
		v.From = "<>"
	}
	return v
}

func printItems(items []queue.Item) error {
	views := make([]itemView, 0, len(items))
	for _, item := range items {
		views = append(views, viewOf(item))
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	fmt.Printf("%-36s %-10s %-8s %-7s %-19s %-30s %-5s %s\n", "ID", "STATUS", "PRIORITY", "RETRIES", "NEXT ATTEMPT", "FROM", "RCPTS", "LAST ERROR")
	fmt.Println(strings.Repeat("-", 130))
	for _, v := range views {
		fmt.Printf("%-36s %-10s %-8s %-7s %-19s %-30s %-5d %s\n",
			v.ID,
			v.Status,
			v.Priority,
			fmt.Sprintf("%d/%d", v.RetryCount, v.MaxRetries),
			v.AvailableAt,
			v.From,
			len(v.To),
			v.LastError,
		)
	}
	fmt.Printf("\nTotal: %d items\n", len(views))
	return nil
}
