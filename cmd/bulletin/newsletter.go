package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/saltmail/bulletin/internal/models"
)

var (
	newsletterTemplateID string
	newsletterRecipients []string
	newsletterOwnerID    string
	templateSubject      string
	templateBody         string
)

var newsletterCmd = &cobra.Command{
	Use:   "newsletter",
	Short: "Newsletter management commands",
}

var newsletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List newsletters",
	RunE:  runNewsletterList,
}

var newsletterCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a newsletter",
	RunE:  runNewsletterCreate,
}

var newsletterResetCmd = &cobra.Command{
	Use:   "reset <newsletter-id>",
	Short: "Force a stuck running newsletter back to created",
	Long: `Reset a newsletter that was left running by an interrupted dispatch so it
can be dispatched again from scratch. Recipients already attempted in the
interrupted run will receive the message again; use 'dispatch --resume' to
skip them instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runNewsletterReset,
}

var newsletterAttemptsCmd = &cobra.Command{
	Use:   "attempts <newsletter-id>",
	Short: "Show the delivery attempt log of a newsletter",
	Args:  cobra.ExactArgs(1),
	RunE:  runNewsletterAttempts,
}

var templateCreateCmd = &cobra.Command{
	Use:   "create-template",
	Short: "Create a message template",
	RunE:  runTemplateCreate,
}

func init() {
	newsletterCreateCmd.Flags().StringVar(&newsletterTemplateID, "template", "", "template ID (required)")
	newsletterCreateCmd.Flags().StringSliceVar(&newsletterRecipients, "recipients", nil, "recipient IDs")
	newsletterCreateCmd.Flags().StringVar(&newsletterOwnerID, "owner", "", "owning user ID")
	newsletterCreateCmd.MarkFlagRequired("template")

	templateCreateCmd.Flags().StringVar(&templateSubject, "subject", "", "subject line (required)")
	templateCreateCmd.Flags().StringVar(&templateBody, "body", "", "body text")
	templateCreateCmd.MarkFlagRequired("subject")

	newsletterCmd.AddCommand(newsletterListCmd, newsletterCreateCmd, newsletterResetCmd, newsletterAttemptsCmd, templateCreateCmd)
}

func runNewsletterList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	newsletters, err := st.ListNewsletters(context.Background(), "")
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tRECIPIENTS\tOWNER\tCREATED\tCOMPLETED")
	for _, n := range newsletters {
		completed := "-"
		if !n.CompletedAt.IsZero() {
			completed = n.CompletedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			n.ID, n.Status, len(n.RecipientIDs), n.OwnerID,
			n.CreatedAt.Format(time.RFC3339), completed)
	}
	return w.Flush()
}

func runNewsletterCreate(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if _, err := st.GetTemplate(ctx, newsletterTemplateID); err != nil {
		return fmt.Errorf("template %s: %w", newsletterTemplateID, err)
	}

	n := &models.Newsletter{
		TemplateID:   newsletterTemplateID,
		RecipientIDs: newsletterRecipients,
		OwnerID:      newsletterOwnerID,
	}
	if err := st.CreateNewsletter(ctx, n); err != nil {
		return err
	}

	fmt.Printf("Created newsletter %s with %d recipients\n", n.ID, len(n.RecipientIDs))
	return nil
}

func runNewsletterReset(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ResetRun(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Newsletter %s reset to created\n", args[0])
	return nil
}

func runNewsletterAttempts(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	attempts, err := st.ListAttempts(context.Background(), args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tRUN\tRECIPIENT\tOUTCOME\tERROR")
	for _, a := range attempts {
		fmt.Fprintf(w, "%s\t%.8s\t%s\t%s\t%s\n",
			a.Timestamp.Format(time.RFC3339), a.RunID, a.RecipientEmail, a.Outcome, a.ErrorDetail)
	}
	return w.Flush()
}

func runTemplateCreate(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	t := &models.Template{Subject: templateSubject, Body: templateBody}
	if err := st.CreateTemplate(context.Background(), t); err != nil {
		return err
	}

	fmt.Printf("Created template %s\n", t.ID)
	return nil
}
