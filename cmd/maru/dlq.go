package main

import (
	"github.com/spf13/cobra"

	"github.com/marubot/maru/internal/config"
	"github.com/marubot/maru/internal/dispatch"
)

func buildDLQCmd(configPath *string) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the outbound dead-letter queue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			records, err := dispatch.NewDLQ(cfg.Dispatch.DLQPath).List()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				cmd.Println("dlq empty")
				return nil
			}
			for _, rec := range records {
				cmd.Printf("%s  %s/%s  retries=%d  error=%s\n  %s\n",
					rec.At.Format("2006-01-02 15:04:05"),
					rec.Provider, rec.ChatID,
					rec.RetryCount, rec.Error, rec.Content)
			}
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			n, err := dispatch.NewDLQ(cfg.Dispatch.DLQPath).Clear()
			if err != nil {
				return err
			}
			cmd.Printf("cleared %d messages\n", n)
			return nil
		},
	}

	dlqCmd.AddCommand(listCmd, clearCmd)
	return dlqCmd
}
