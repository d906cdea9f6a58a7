package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cadence/internal/storage"
)

// NewConversationsCmd 创建 conversations 命令
func NewConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect stored conversations",
	}

	cmd.AddCommand(newConversationsListCmd())
	cmd.AddCommand(newConversationsShowCmd())
	cmd.AddCommand(newConversationsDeleteCmd())

	return cmd
}

func newConversationsListCmd() *cobra.Command {
	var (
		limit      int
		offset     int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := cliStore(cmd)
			if err != nil {
				return err
			}

			convs, err := store.List(cmd.Context(), limit, offset)
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}

			out := cmd.OutOrStdout()
			if useJSON(jsonOutput, out) {
				if convs == nil {
					convs = []*storage.Conversation{}
				}
				return printJSON(out, convs)
			}

			if len(convs) == 0 {
				fmt.Fprintln(out, "No conversations found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED")
			for _, c := range convs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					c.ID,
					truncate(c.Title, 40),
					c.MessageCount,
					c.UpdatedAt.Local().Format("2006-01-02 15:04"),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of conversations")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of conversations to skip")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

// conversationView show 命令的 JSON 输出
type conversationView struct {
	*storage.Conversation
	Messages []storage.Message `json:"messages"`
}

func newConversationsShowCmd() *cobra.Command {
	var (
		jsonOutput bool
		reasoning  bool
	)

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := cliStore(cmd)
			if err != nil {
				return err
			}

			conv, msgs, err := store.Load(cmd.Context(), args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("conversation %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("load conversation: %w", err)
			}

			out := cmd.OutOrStdout()
			if useJSON(jsonOutput, out) {
				if msgs == nil {
					msgs = []storage.Message{}
				}
				return printJSON(out, conversationView{Conversation: conv, Messages: msgs})
			}

			fmt.Fprintf(out, "%s  %s\n", conv.ID, conv.Title)
			for _, m := range msgs {
				role := m.Role
				if m.Meta != nil && m.Meta.Observation {
					role = "observation"
				}
				if m.Stopped {
					role += " (stopped)"
				}
				fmt.Fprintf(out, "\n[%s] %s\n", role, m.CreatedAt.Local().Format("2006-01-02 15:04:05"))
				if reasoning && m.Reasoning != "" {
					for _, line := range strings.Split(m.Reasoning, "\n") {
						fmt.Fprintf(out, "  | %s\n", line)
					}
				}
				fmt.Fprintln(out, m.Content)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&reasoning, "reasoning", false, "include reasoning text")
	return cmd
}

func newConversationsDeleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := cliStore(cmd)
			if err != nil {
				return err
			}

			if !force {
				fmt.Fprintf(cmd.OutOrStdout(), "Delete conversation %s? [y/N] ", args[0])
				answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				answer = strings.ToLower(strings.TrimSpace(answer))
				if answer != "y" && answer != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			err = store.Delete(cmd.Context(), args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("conversation %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("delete conversation: %w", err)
			}

			if !GetCLIContext(cmd).Quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation")
	return cmd
}

func cliStore(cmd *cobra.Command) (storage.Store, error) {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return nil, fmt.Errorf("CLI context not initialized")
	}
	store, err := cliCtx.Store()
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}
