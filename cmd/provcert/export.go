package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"provcert/internal/export"
)

var (
	exportAccessCode string
	exportOut        string
)

var exportCmd = &cobra.Command{
	Use:   "export <token>",
	Short: "Write the JSON export of a verified certificate",
	Long: `Verify a certificate and write its portable JSON export. The export is
produced only for a certificate that verifies; protected certificates
need --access-code.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportAccessCode, "access-code", "", "access code for a protected certificate")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default: stdout)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	res, err := verifyToken(ctx, a.service, args[0], exportAccessCode)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if !res.Valid {
		fmt.Fprintln(cmd.ErrOrStderr(), res.Message)
		return errVerificationFailed
	}

	doc, err := export.Build(res, a.cfg.Server.BaseURL)
	if err != nil {
		return err
	}
	data, err := export.Marshal(doc)
	if err != nil {
		return err
	}

	out, err := createOutput(cmd, exportOut)
	if err != nil {
		return err
	}
	if _, err := out.Write(append(data, '\n')); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	a.metrics.Exports.Inc()
	a.audit.LogExport(ctx, doc.CertificateID, "cli")
	if exportOut != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Export written to %s\n", exportOut)
	}
	return nil
}
