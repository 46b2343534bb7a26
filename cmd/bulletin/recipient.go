package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/saltmail/bulletin/internal/models"
	"github.com/saltmail/bulletin/internal/store"
)

var recipientOwner string

var recipientCmd = &cobra.Command{
	Use:   "recipient",
	Short: "Recipient management commands",
}

var recipientImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import recipients from a JSON-lines file",
	Long: `Import recipients from a file with one JSON object per line:
  {"email": "a@example.com", "full_name": "Ada", "comment": "...", "owner_id": "u1"}
Existing email addresses are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecipientImport,
}

var recipientListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recipients",
	RunE:  runRecipientList,
}

func init() {
	recipientListCmd.Flags().StringVar(&recipientOwner, "owner", "", "filter by owner ID")
	recipientCmd.AddCommand(recipientImportCmd, recipientListCmd)
}

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.New(cfg.Storage.Path)
}

func runRecipientImport(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	ctx := context.Background()
	created, skipped := 0, 0

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}

		var rcpt models.Recipient
		if err := json.Unmarshal(scanner.Bytes(), &rcpt); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if rcpt.Email == "" {
			return fmt.Errorf("line %d: email is required", line)
		}

		err := st.CreateRecipient(ctx, &rcpt)
		if errors.Is(err, models.ErrDuplicateEmail) {
			fmt.Printf("Recipient %s already exists, skipping\n", rcpt.Email)
			skipped++
			continue
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		created++
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("Imported %d recipients (%d skipped)\n", created, skipped)
	return nil
}

func runRecipientList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	recipients, err := st.ListRecipients(context.Background(), recipientOwner)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tNAME\tOWNER")
	for _, r := range recipients {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Email, r.FullName, r.OwnerID)
	}
	return w.Flush()
}
