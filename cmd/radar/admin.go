package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mention_radar/internal/assign"
	"mention_radar/internal/bot"
	"mention_radar/internal/digest"
	"mention_radar/internal/filter"
	"mention_radar/internal/model"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage digest recipients",
	}

	var name, recipient string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			u := model.User{Name: strings.TrimSpace(name), Recipient: strings.TrimSpace(recipient)}
			if u.Name == "" || u.Recipient == "" {
				return fmt.Errorf("--name and --recipient are required")
			}
			if err := a.store.CreateUser(cmd.Context(), &u); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created user #%d %s (recipient %s)\n", u.ID, u.Name, u.Recipient)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&recipient, "recipient", "", "Telegram chat ID receiving the digest")

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			users, err := a.store.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tRECIPIENT\tLAST NOTIFIED")
			for _, u := range users {
				last := "never"
				if u.LastNotifiedAt != nil {
					last = u.LastNotifiedAt.Format("2006-01-02 15:04 UTC")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", u.ID, u.Name, u.Recipient, last)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func keywordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyword",
		Short: "Manage interest keywords",
	}

	var (
		userID  int64
		pattern string
		typ     string
		sources []string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a keyword for a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			k := model.Keyword{
				UserID:         userID,
				Pattern:        strings.TrimSpace(pattern),
				ExpressionType: model.ExpressionType(strings.ToLower(typ)),
				Sources:        sources,
			}
			if k.Pattern == "" {
				return fmt.Errorf("--pattern is required")
			}
			if !k.ExpressionType.Valid() {
				return fmt.Errorf("unknown expression type %q (exact, contains, regex, semantic)", typ)
			}
			if k.ExpressionType == model.ExpressionRegex {
				if err := filter.ValidateRegex(k.Pattern); err != nil {
					return err
				}
			}
			for _, s := range k.Sources {
				if _, ok := a.cfg.SourceByName(s); !ok {
					return fmt.Errorf("unknown source %q", s)
				}
			}
			if _, err := a.store.GetUser(cmd.Context(), userID); err != nil {
				return fmt.Errorf("user #%d: %w", userID, err)
			}
			if err := a.store.CreateKeyword(cmd.Context(), &k); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created keyword #%d %q (%s)\n", k.ID, k.Pattern, k.ExpressionType)
			return nil
		},
	}
	add.Flags().Int64Var(&userID, "user", 0, "owning user ID")
	add.Flags().StringVar(&pattern, "pattern", "", "keyword text or regular expression")
	add.Flags().StringVar(&typ, "type", string(model.ExpressionContains), "exact, contains, regex or semantic")
	add.Flags().StringSliceVar(&sources, "source", nil, "restrict to a source (repeatable, default all)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the keywords of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			keywords, err := a.store.ListKeywordsByUser(cmd.Context(), userID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tPATTERN\tSOURCES")
			for _, k := range keywords {
				src := "all"
				if len(k.Sources) > 0 {
					src = strings.Join(k.Sources, ",")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", k.ID, k.ExpressionType, k.Pattern, src)
			}
			return w.Flush()
		},
	}
	list.Flags().Int64Var(&userID, "user", 0, "owning user ID")

	cmd.AddCommand(add, list)
	return cmd
}

func assignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign",
		Short: "Run one assignment cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			res, err := assign.New(a.store, a.matcher(), a.cfg.Assign.BatchSize, a.log).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Matched %d of %d items and %d of %d comments\n",
				res.MatchedItems, res.Items, res.MatchedComments, res.Comments)
			return nil
		},
	}
}

func digestCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Build and send digests once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			if dryRun {
				b := digest.New(a.store, nil, a.cfg.Digest.Subject, a.log)
				users, err := a.store.ListUsers(ctx)
				if err != nil {
					return err
				}
				for _, u := range users {
					d, err := b.Build(ctx, u)
					if err != nil {
						return err
					}
					if d.Empty() {
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "--- to %s (%s)\n%s\n", u.Name, u.Recipient, digest.Render(d))
				}
				return nil
			}

			if a.cfg.TelegramBotToken == "" {
				return fmt.Errorf("TELEGRAM_BOT_TOKEN is required to deliver digests")
			}
			notifier, err := bot.New(a.cfg.TelegramBotToken, a.log)
			if err != nil {
				return err
			}
			res, err := digest.New(a.store, notifier, a.cfg.Digest.Subject, a.log).Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %d, skipped %d, failed %d\n", res.Sent, res.Skipped, res.Failed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print digests without sending or advancing watermarks")
	return cmd
}
