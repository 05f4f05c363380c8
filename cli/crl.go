package cli

import (
	"fmt"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/georgepadayatti/certpath/certvalidator/revinfo"
	"github.com/georgepadayatti/certpath/keys"
)

func newCRLCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crl",
		Short: "Manage the CRL database",
	}
	cmd.AddCommand(newCRLImportCommand(global), newCRLListCommand(global))
	return cmd
}

// crlDatabase resolves the database path from the flag or configuration.
func crlDatabase(global *globalOptions, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if global.cfg != nil && global.cfg.Validation.CRLDatabase != "" {
		return global.cfg.Validation.CRLDatabase, nil
	}
	return "", usageError("no CRL database given; use --db")
}

func newCRLImportCommand(global *globalOptions) *cobra.Command {
	var db string
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Store CRLs in the database",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := crlDatabase(global, db)
			if err != nil {
				return err
			}
			crls, err := keys.LoadCRLFiles(args)
			if err != nil {
				return usageError("%w", err)
			}

			store, err := revinfo.OpenBoltStore(path)
			if err != nil {
				return usageError("%w", err)
			}
			defer store.Close()

			for _, ci := range crls {
				if err := store.Put(ci); err != nil {
					return &exitError{code: ExitInvalid, err: err}
				}
				log.L.WithFields(log.Fields{
					"issuer":     ci.CRL.Issuer.String(),
					"crl_number": ci.Number,
				}).Debug("imported CRL")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d CRL(s) into %s\n", len(crls), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "bbolt CRL database")
	return cmd
}

func newCRLListCommand(global *globalOptions) *cobra.Command {
	var db, format string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the CRLs in the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := crlDatabase(global, db)
			if err != nil {
				return err
			}
			if format != formatText && format != formatMarkdown {
				return usageError("unknown report format %q", format)
			}

			store, err := revinfo.OpenBoltStore(path)
			if err != nil {
				return usageError("%w", err)
			}
			defer store.Close()

			crls, err := store.All()
			if err != nil {
				return &exitError{code: ExitInvalid, err: err}
			}
			if len(crls) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No CRLs stored.")
				return nil
			}
			return renderCRLs(cmd.OutOrStdout(), format, crls)
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "bbolt CRL database")
	cmd.Flags().StringVar(&format, "format", formatText, "Report format (text, markdown)")
	return cmd
}
