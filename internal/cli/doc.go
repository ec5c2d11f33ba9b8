package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"collabtext/internal/codec"
	"collabtext/internal/crdt"
	"collabtext/internal/domain"
	"collabtext/internal/metadata"
)

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Manage document metadata",
	Long: `Creates, shares and deletes documents in the metadata database named by
database_url. The metadata service owns these records in production; these
commands exist for local setups and tests.`,
}

var docCreateCmd = &cobra.Command{
	Use:   "create [doc-id]",
	Short: "Create a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocCreate,
}

var docShareCmd = &cobra.Command{
	Use:   "share [doc-id] [user-id]",
	Short: "Grant a user access to a document",
	Args:  cobra.ExactArgs(2),
	RunE:  runDocShare,
}

var docDeleteCmd = &cobra.Command{
	Use:   "delete [doc-id]",
	Short: "Soft-delete a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocDelete,
}

var docShowCmd = &cobra.Command{
	Use:   "show [doc-id]",
	Short: "Show document metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocShow,
}

var (
	docOwner      string
	docTitle      string
	docContent    string
	docPermission string
)

func init() {
	docCreateCmd.Flags().StringVarP(&docOwner, "owner", "o", "", "Owner user id (required)")
	docCreateCmd.Flags().StringVarP(&docTitle, "title", "t", "", "Document title")
	docCreateCmd.Flags().StringVar(&docContent, "content", "", "Initial text, saved as version 1")
	_ = docCreateCmd.MarkFlagRequired("owner")

	docShareCmd.Flags().StringVarP(&docPermission, "permission", "p", "view", "Permission to grant: view or edit")

	docCmd.AddCommand(docCreateCmd)
	docCmd.AddCommand(docShareCmd)
	docCmd.AddCommand(docDeleteCmd)
	docCmd.AddCommand(docShowCmd)
	rootCmd.AddCommand(docCmd)
}

func openMetadata(ctx context.Context) (metadata.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database_url is not configured")
	}
	return metadata.Open(ctx, cfg.DatabaseURL)
}

func runDocCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openMetadata(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	doc := domain.Document{ID: args[0], OwnerID: docOwner, Title: docTitle}
	if err := store.CreateDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	cmd.Printf("Created document %s owned by %s\n", doc.ID, doc.OwnerID)

	if docContent == "" {
		return nil
	}
	v, err := seedContent(ctx, doc.ID, docContent)
	if err != nil {
		return fmt.Errorf("failed to save initial content: %w", err)
	}
	cmd.Printf("Saved initial content as version %d\n", v)
	return nil
}

// seedContent saves text as the first snapshot of docID.
func seedContent(ctx context.Context, docID, text string) (int64, error) {
	manager, rdb, err := openPersistence(ctx, cfg)
	if err != nil {
		return 0, err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	store := crdt.New(crdt.NewClientID())
	if _, err := store.Set(text); err != nil {
		return 0, err
	}
	if err := manager.Save(ctx, docID, codec.EncodeSnapshot(store)); err != nil {
		return 0, err
	}
	return manager.NextVersion(ctx, docID)
}

func runDocShare(cmd *cobra.Command, args []string) error {
	perm := domain.Permission(strings.ToUpper(docPermission))
	if !perm.Valid() {
		return fmt.Errorf("unknown permission %q (want view or edit)", docPermission)
	}

	ctx := context.Background()
	store, err := openMetadata(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetCollaborator(ctx, args[0], domain.Collaborator{UserID: args[1], Permission: perm}); err != nil {
		return fmt.Errorf("failed to share document: %w", err)
	}
	cmd.Printf("Granted %s %s on %s\n", args[1], perm, args[0])
	return nil
}

func runDocDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openMetadata(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SoftDelete(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	cmd.Printf("Deleted document %s\n", args[0])
	return nil
}

func runDocShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openMetadata(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	doc, err := store.FindDocument(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get document: %w", err)
	}

	cmd.Printf("ID: %s\n", doc.ID)
	cmd.Printf("Title: %s\n", doc.Title)
	cmd.Printf("Owner: %s\n", doc.OwnerID)
	if doc.IsDeleted {
		cmd.Println("Deleted: yes")
	}
	cmd.Println("Collaborators:")
	if len(doc.Collaborators) == 0 {
		cmd.Println("  (none)")
	}
	for _, c := range doc.Collaborators {
		cmd.Printf("  %s %s\n", c.UserID, c.Permission)
	}
	return nil
}
