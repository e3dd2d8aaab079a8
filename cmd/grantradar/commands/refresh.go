package commands

import (
	"github.com/spf13/cobra"

	"github.com/grantradar/grantradar/internal/breaker"
	"github.com/grantradar/grantradar/internal/embedding"
	"github.com/grantradar/grantradar/internal/printer"
)

var refreshAll bool

var refreshProfilesCmd = &cobra.Command{
	Use:   "refresh-profiles",
	Short: "Regenerate stale profile embeddings",
	Long: `Walks every researcher profile and regenerates its embedding when the
profile text has changed since the stored vector was computed. Profiles whose
text hash still matches are skipped unless --all is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		d, err := buildDeps(ctx)
		if err != nil {
			return err
		}
		defer d.close()

		cb := breaker.New(breaker.Settings{Service: "embedding"}, d.logger, d.bus)
		embedder := embedding.NewClient(d.cfg.Embedding, cb, d.logger)

		profiles, err := d.store.ListProfiles(ctx)
		if err != nil {
			return err
		}

		var refreshed, skipped, failed int
		for i := range profiles {
			p := &profiles[i]
			hash := p.ProfileTextHash()
			if !refreshAll && hash == p.SourceTextHash {
				skipped++
				continue
			}
			vec, err := embedder.Embed(ctx, p.ProfileText())
			if err != nil {
				printer.Warning("embedding failed for %s: %v\n", p.UserID, err)
				failed++
				continue
			}
			if err := d.store.UpdateProfileEmbedding(ctx, p.UserID, vec, hash); err != nil {
				printer.Warning("update failed for %s: %v\n", p.UserID, err)
				failed++
				continue
			}
			refreshed++
		}

		printer.Success("%d refreshed, %d up to date, %d failed\n", refreshed, skipped, failed)
		if failed > 0 {
			return printer.Error("some profiles were not refreshed",
				"re-run once the embedding service recovers; unchanged profiles are skipped", nil)
		}
		return nil
	},
}

func init() {
	refreshProfilesCmd.Flags().BoolVar(&refreshAll, "all", false, "regenerate every embedding, even unchanged ones")
	rootCmd.AddCommand(refreshProfilesCmd)
}
