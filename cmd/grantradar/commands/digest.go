package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/grantradar/grantradar/internal/alerter"
	"github.com/grantradar/grantradar/internal/channels"
	"github.com/grantradar/grantradar/internal/printer"
	"github.com/grantradar/grantradar/pkg/pipeline"
)

var digestDay string

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Send the accumulated daily digests immediately",
	Long: `Flushes every user's parked digest for the given day (default today,
UTC) instead of waiting for the end-of-day timer. Useful after downtime or
when testing digest delivery.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		day := time.Now().UTC()
		if digestDay != "" {
			parsed, err := time.Parse("2006-01-02", digestDay)
			if err != nil {
				return printer.Error("invalid --day value",
					"expected a date in YYYY-MM-DD form, e.g. 2026-08-26", nil)
			}
			day = parsed
		}

		d, err := buildDeps(ctx)
		if err != nil {
			return err
		}
		defer d.close()

		agent := alerter.NewAgent(d.cfg.Alerting, d.bus, d.store, d.chat,
			channels.NewEmailClient(d.cfg.Alerting.Email, d.logger),
			channels.NewSMSClient(d.cfg.Alerting.SMS, d.logger),
			channels.NewSlackClient(d.logger),
			pipeline.NewTracker(d.bus, d.logger), consumerName(), d.logger)

		if err := agent.ProcessDigests(ctx, day); err != nil {
			return err
		}
		printer.Success("digests for %s sent\n", day.Format("2006-01-02"))
		return nil
	},
}

func init() {
	digestCmd.Flags().StringVar(&digestDay, "day", "", "digest day to flush (YYYY-MM-DD, default today UTC)")
	rootCmd.AddCommand(digestCmd)
}
