package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/store"
)

func newConversationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage stored conversations",
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newDeleteCommand())
	cmd.AddCommand(newRenameCommand())
	cmd.AddCommand(newExportCommand())
	cmd.AddCommand(newImportCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently modified first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = s.Close()
			}()

			conversations, err := s.ListConversations(ctx)
			if err != nil {
				return err
			}
			for _, conv := range conversations {
				fmt.Printf("%s  %s  %s\n", conv.ID, conv.LastModified.Format("2006-01-02 15:04"), conv.Name)
			}
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation and all of its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := conversation.ParseConversationID(args[0])
			if err != nil {
				return errors.Wrap(err, "invalid conversation id")
			}

			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = s.Close()
			}()

			return s.DeleteConversation(ctx, id)
		},
	}
}

func newRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <conversation-id> <name>",
		Short: "Rename a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := conversation.ParseConversationID(args[0])
			if err != nil {
				return errors.Wrap(err, "invalid conversation id")
			}

			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = s.Close()
			}()

			name := args[1]
			return s.UpdateConversation(ctx, id, store.ConversationUpdate{Name: &name})
		},
	}
}

func newExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <conversation-id>",
		Short: "Export a conversation bundle as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := conversation.ParseConversationID(args[0])
			if err != nil {
				return errors.Wrap(err, "invalid conversation id")
			}

			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = s.Close()
			}()

			bundle, err := s.Export(ctx, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if path, _ := cmd.Flags().GetString("output"); path != "" {
				f, err := os.Create(path)
				if err != nil {
					return errors.Wrap(err, "create output file")
				}
				defer func() {
					_ = f.Close()
				}()
				out = f
			}

			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return errors.Wrap(enc.Encode(bundle), "encode bundle")
		},
	}
	cmd.Flags().StringP("output", "o", "", "Write the bundle to a file instead of stdout")
	return cmd
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>...",
		Short: "Import conversation bundles, skipping ids that already exist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = s.Close()
			}()

			bundles := make([]*conversation.Bundle, 0, len(args))
			for _, path := range args {
				raw, err := os.ReadFile(path)
				if err != nil {
					return errors.Wrapf(err, "read %s", path)
				}
				bundle := &conversation.Bundle{}
				if err := json.Unmarshal(raw, bundle); err != nil {
					return errors.Wrapf(err, "decode %s", path)
				}
				bundles = append(bundles, bundle)
			}

			result, err := s.Import(ctx, bundles)
			if err != nil {
				return err
			}
			fmt.Printf("imported %d, skipped %d\n", result.Imported, result.Skipped)
			return nil
		},
	}
}
