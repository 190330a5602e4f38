package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"circuit-trivia-bot/internal/app"
	"circuit-trivia-bot/internal/domain"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewDumpCmd prints or purges the stored records of one kind.
func NewDumpCmd(configPath *string) *cobra.Command {
	var (
		kind  string
		purge bool
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump stored records as YAML, or purge them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			b, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			return runDump(ctx, b.store, kind, purge, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&kind, "kind", app.KindQuestion, "record kind: question, submission or token")
	cmd.Flags().BoolVar(&purge, "purge", false, "delete the records instead of printing them")
	return cmd
}

func runDump(ctx context.Context, store app.Store, kind string, purge bool, out io.Writer) error {
	if purge {
		n, err := store.Purge(ctx, kind)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %d %s records\n", n, kind)
		return nil
	}

	var records any
	switch kind {
	case app.KindQuestion:
		qs, err := store.ListQuestions(ctx)
		if err != nil {
			return err
		}
		records = qs
	case app.KindSubmission:
		subs, err := store.AllSubmissions(ctx)
		if err != nil {
			return err
		}
		records = subs
	case app.KindCredential:
		cred, err := store.GetCredential(ctx)
		if errors.Is(err, domain.ErrCredentialNotFound) {
			records = []domain.Credential{}
			break
		}
		if err != nil {
			return err
		}
		records = []domain.Credential{cred}
	default:
		return fmt.Errorf("unknown record kind %q", kind)
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(records); err != nil {
		return err
	}
	return enc.Close()
}
