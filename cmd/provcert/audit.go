package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the certificate audit trail",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the hash chain and seals of the audit trail",
	Args:  cobra.NoArgs,
	RunE:  runAuditVerify,
}

var auditTrailCmd = &cobra.Command{
	Use:   "trail <certificate-id>",
	Short: "List the audit entries of a certificate",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditTrail,
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd, auditTrailCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditVerify(cmd *cobra.Command, _ []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.store.VerifyAuditChain(cmd.Context())
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return errVerificationFailed
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Audit chain OK: %d entries, %d sealed\n", rep.Entries, rep.Sealed)
	fmt.Fprintf(w, "Head: %s\n", hex.EncodeToString(rep.HeadHash[:]))
	return nil
}

func runAuditTrail(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store.AuditTrail(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No audit entries for %s\n", args[0])
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tUSER\tACTION\tSEALED\tDETAILS")
	for _, rec := range records {
		details, _ := json.Marshal(rec.Details)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n",
			rec.At.Format(time.RFC3339), rec.UserID, rec.Action, rec.Sealed, details)
	}
	return tw.Flush()
}
