package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"provcert/internal/certificate"
)

var (
	optionsUser        string
	optionsFullText    bool
	optionsEditHistory bool
	optionsAccessCode  string
	optionsClearCode   bool
)

var optionsCmd = &cobra.Command{
	Use:   "options <certificate-id>",
	Short: "Change what verifiers of a certificate can see",
	Long: `Change the display options of a certificate. Only flags that are given
are applied. The signed figures of the certificate never change.

  provcert options <id> --user u1 --full-text=true
  provcert options <id> --user u1 --access-code s3cret
  provcert options <id> --user u1 --clear-access-code`,
	Args: cobra.ExactArgs(1),
	RunE: runOptions,
}

func init() {
	f := optionsCmd.Flags()
	f.StringVarP(&optionsUser, "user", "u", "", "owning user ID")
	f.BoolVar(&optionsFullText, "full-text", false, "show the document text to verifiers")
	f.BoolVar(&optionsEditHistory, "edit-history", false, "show the edit history to verifiers")
	f.StringVar(&optionsAccessCode, "access-code", "", "protect the certificate with this code")
	f.BoolVar(&optionsClearCode, "clear-access-code", false, "remove access-code protection")
	optionsCmd.MarkFlagRequired("user")
	optionsCmd.MarkFlagsMutuallyExclusive("access-code", "clear-access-code")
	rootCmd.AddCommand(optionsCmd)
}

// displayOptions builds the update from the flags the user actually set.
func displayOptions(cmd *cobra.Command) (certificate.DisplayOptions, error) {
	var opts certificate.DisplayOptions
	f := cmd.Flags()
	if f.Changed("full-text") {
		opts.IncludeFullText = &optionsFullText
	}
	if f.Changed("edit-history") {
		opts.IncludeEditHistory = &optionsEditHistory
	}
	switch {
	case f.Changed("access-code"):
		if optionsAccessCode == "" {
			return opts, errors.New("--access-code must not be empty (use --clear-access-code)")
		}
		opts.AccessCode = &optionsAccessCode
	case optionsClearCode:
		empty := ""
		opts.AccessCode = &empty
	}
	if opts.IncludeFullText == nil && opts.IncludeEditHistory == nil && opts.AccessCode == nil {
		return opts, errors.New("nothing to change")
	}
	return opts, nil
}

func runOptions(cmd *cobra.Command, args []string) error {
	opts, err := displayOptions(cmd)
	if err != nil {
		return err
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cert, err := a.service.UpdateDisplayOptions(cmd.Context(), args[0], optionsUser, opts)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Certificate:     %s\n", cert.ID)
	fmt.Fprintf(w, "Full text:       %t\n", cert.IncludeFullText)
	fmt.Fprintf(w, "Edit history:    %t\n", cert.IncludeEditHistory)
	fmt.Fprintf(w, "Protected:       %t\n", cert.IsProtected)
	return nil
}
