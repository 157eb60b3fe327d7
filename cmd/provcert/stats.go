package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, _ []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.store.Stats(cmd.Context())
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Database:        %s (%s)\n", a.cfg.Storage.Path, formatBytes(st.DatabaseSize))
	fmt.Fprintf(w, "Documents:       %d\n", st.Documents)
	fmt.Fprintf(w, "Edit events:     %d\n", st.Events)
	fmt.Fprintf(w, "Certificates:    %d (%d protected)\n", st.Certificates, st.Protected)
	fmt.Fprintf(w, "Audit entries:   %d\n", st.AuditEntries)
	fmt.Fprintf(w, "Schema version:  %d\n", st.SchemaVersion)
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
