package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/haukened/lockbox/internal/client"
	"github.com/haukened/lockbox/internal/domain"
)

// serverFlag registers --server on cmd, defaulting to $LOCKBOX_SERVER.
func serverFlag(cmd *cobra.Command, target *string) {
	def := os.Getenv(envServer)
	if def == "" {
		def = defaultServer
	}
	cmd.Flags().StringVarP(target, "server", "s", def, "lockbox server URL")
}

func newCreateCmd() *cobra.Command {
	var (
		server, text, file, filename, contentType, password string
		minutes, maxReads                                   int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Store a text or file secret and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client.New(server)
			if err != nil {
				return err
			}
			exp := domain.ExpiryRequest{Minutes: minutes, MaxReads: maxReads}
			var id string
			if cmd.Flags().Changed("file") {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				upload := client.FileUpload{Content: f, Filename: filename, ContentType: contentType}
				if upload.Filename == "" {
					upload.Filename = filepath.Base(file)
				}
				id, err = c.CreateFile(cmd.Context(), upload, password, exp)
				if err != nil {
					return err
				}
			} else {
				id, err = c.CreateText(cmd.Context(), text, password, exp)
				if err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.ErrOrStderr(), color.GreenString("✓")+" Secret stored "+expiryNote(exp))
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	fl := cmd.Flags()
	serverFlag(cmd, &server)
	fl.StringVarP(&text, "text", "t", "", "secret text")
	fl.StringVarP(&file, "file", "f", "", "path of a file to store")
	fl.StringVar(&filename, "filename", "", "filename to record (defaults to the file's base name)")
	fl.StringVar(&contentType, "content-type", "", "content type to record for the file")
	fl.StringVarP(&password, "password", "p", "", "password that seals the secret")
	fl.IntVarP(&minutes, "minutes", "m", 0, "expire after this many minutes")
	fl.IntVarP(&maxReads, "max-reads", "r", 0, "expire after this many reveals")
	cmd.MarkFlagsMutuallyExclusive("text", "file")
	cmd.MarkFlagsOneRequired("text", "file")
	cmd.MarkFlagsMutuallyExclusive("minutes", "max-reads")
	cmd.MarkFlagsOneRequired("minutes", "max-reads")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func expiryNote(exp domain.ExpiryRequest) string {
	if exp.MaxReads > 0 {
		return color.CyanString("(%d reads)", exp.MaxReads)
	}
	return color.CyanString("(expires in %s)", time.Duration(exp.Minutes)*time.Minute)
}

func newRevealCmd() *cobra.Command {
	var server, password, out string
	cmd := &cobra.Command{
		Use:   "reveal ID",
		Short: "Reveal a secret, consuming one read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(server)
			if err != nil {
				return err
			}
			s, err := c.Reveal(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			if out == "" {
				_, err := cmd.OutOrStdout().Write(s.Data)
				if err == nil && !s.IsFile {
					fmt.Fprintln(cmd.OutOrStdout())
				}
				return err
			}
			if err := os.WriteFile(out, s.Data, 0o600); err != nil {
				return err
			}
			msg := fmt.Sprintf(" Wrote %d bytes to %s", len(s.Data), out)
			if s.Filename != "" {
				msg += color.CyanString(" (uploaded as %s)", s.Filename)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), color.GreenString("✓")+msg)
			return nil
		},
	}
	serverFlag(cmd, &server)
	cmd.Flags().StringVarP(&password, "password", "p", "", "password the secret was sealed with")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the payload to this path instead of stdout")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show how many secrets are currently revealable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client.New(server)
			if err != nil {
				return err
			}
			n, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Active secrets: %s\n", color.YellowString(strconv.Itoa(n)))
			return nil
		},
	}
	serverFlag(cmd, &server)
	return cmd
}

func newListCmd() *cobra.Command {
	var server, token string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every stored secret (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client.New(server, client.WithAdminToken(token))
			if err != nil {
				return err
			}
			secrets, err := c.ListSecrets(cmd.Context())
			if err != nil {
				return err
			}
			return printSummaries(cmd.OutOrStdout(), secrets)
		},
	}
	serverFlag(cmd, &server)
	cmd.Flags().StringVar(&token, "admin-token", os.Getenv(envAdminToken), "admin token (defaults to $"+envAdminToken+")")
	return cmd
}

func printSummaries(w io.Writer, secrets []client.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tCREATED\tEXPIRY\tREADS\tSTATE")
	for _, s := range secrets {
		expiry := "-"
		switch {
		case s.ExpiresAt != nil:
			expiry = s.ExpiresAt.UTC().Format(time.RFC3339)
		case s.RemainingReads != nil:
			expiry = strconv.Itoa(*s.RemainingReads) + " left"
		}
		state := color.RedString("dead")
		if s.Live {
			state = color.GreenString("live")
		}
		kind := s.Kind
		if s.Filename != "" {
			kind += ":" + s.Filename
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", s.ID, kind, s.CreatedAt.UTC().Format(time.RFC3339), expiry, s.ReadCount, state)
	}
	return tw.Flush()
}
