package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"provcert/internal/certificate"
	"provcert/internal/verify"
)

var (
	verifyAccessCode string
	verifyFormat     string
	verifyDetails    bool
	verifyOut        string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <token>",
	Short: "Verify a certificate by its token",
	Long: `Look up a certificate by its verification token and check its signature
and content hash. Protected certificates need --access-code.

Exits with status 2 when the certificate does not verify.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

var verifyExportCmd = &cobra.Command{
	Use:   "verify-export <export.json>",
	Short: "Check an exported certificate against the signing secret",
	Long: `Validate an exported certificate file against the export schema and
check that its signature verifies under this deployment's secret and
matches every figure in the file. No database access is needed.

Exits with status 2 when the export does not verify.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerifyExport,
}

func init() {
	for _, c := range []*cobra.Command{verifyCmd, verifyExportCmd} {
		c.Flags().StringVarP(&verifyFormat, "format", "f", "text", "report format: text, json, markdown, html")
		c.Flags().BoolVar(&verifyDetails, "details", false, "include per-check details")
		c.Flags().StringVarP(&verifyOut, "out", "o", "", "write the report to a file")
	}
	verifyCmd.Flags().StringVar(&verifyAccessCode, "access-code", "", "access code for a protected certificate")
	rootCmd.AddCommand(verifyCmd, verifyExportCmd)
}

// verifyToken runs verification with the access code when one is given.
func verifyToken(ctx context.Context, svc *certificate.Service, token, code string) (*certificate.VerificationResult, error) {
	if code != "" {
		return svc.VerifyWithAccessCode(ctx, token, code)
	}
	return svc.Verify(ctx, token)
}

// createOutput returns stdout when path is empty.
func createOutput(cmd *cobra.Command, path string) (io.WriteCloser, error) {
	if path == "" {
		return nopWriteCloser{cmd.OutOrStdout()}, nil
	}
	return os.Create(path)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func writeReport(cmd *cobra.Command, report *verify.Report) error {
	format, err := verify.ParseFormat(verifyFormat)
	if err != nil {
		return err
	}
	out, err := createOutput(cmd, verifyOut)
	if err != nil {
		return err
	}
	if err := verify.NewReportGenerator(format).WithVerbose(verifyDetails).Generate(report, out); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if !report.Valid {
		return errVerificationFailed
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	// reject a bad format before touching the store
	if _, err := verify.ParseFormat(verifyFormat); err != nil {
		return err
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := verifyToken(cmd.Context(), a.service, args[0], verifyAccessCode)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	return writeReport(cmd, verify.NewReport(res, a.cfg.Server.BaseURL))
}

func runVerifyExport(cmd *cobra.Command, args []string) error {
	doc, err := verify.LoadExport(args[0])
	if err != nil {
		return err
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	return writeReport(cmd, verify.VerifyExport(doc, a.signer))
}
