package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matheus3301/finlink/internal/api"
	"github.com/matheus3301/finlink/internal/model"
)

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and live channel status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *api.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if g.json {
					outputJSON(st)
					return nil
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func loginCmd(g *globals) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and start syncing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := readPassword(cmd, password)
			if err != nil {
				return err
			}
			return g.run(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Login(ctx, email, pw)
				if err != nil {
					return err
				}
				printLogin(cmd, g, resp)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (default $FINLINK_PASSWORD or stdin)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func registerCmd(g *globals) *cobra.Command {
	var email, password, name string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := readPassword(cmd, password)
			if err != nil {
				return err
			}
			return g.run(func(ctx context.Context, c *api.Client) error {
				resp, err := c.Register(ctx, email, pw, name)
				if err != nil {
					return err
				}
				printLogin(cmd, g, resp)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (default $FINLINK_PASSWORD or stdin)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func logoutCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *api.Client) error {
				if err := c.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
				return nil
			})
		},
	}
}

func connectCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Open the live channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *api.Client) error {
				st, err := c.Connect(ctx)
				return printStateChange(cmd, g, st, err)
			})
		},
	}
}

func disconnectCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Close the live channel and stop reconnecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *api.Client) error {
				st, err := c.Disconnect(ctx)
				return printStateChange(cmd, g, st, err)
			})
		},
	}
}

func conversationsCmd(g *globals) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.run(func(ctx context.Context, c *api.Client) error {
				resp, err := c.ListConversations(ctx, refresh)
				if err != nil {
					return err
				}
				if g.json {
					outputJSON(resp)
					return nil
				}
				printConversations(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "reload from the server")
	return cmd
}

func messagesCmd(g *globals) *cobra.Command {
	var before string
	var refresh bool
	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "Show a conversation's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *api.Client) error {
				resp, err := c.ListMessages(ctx, api.ListMessagesRequest{
					ConversationID: args[0],
					Before:         before,
					Refresh:        refresh,
				})
				if err != nil {
					return err
				}
				if g.json {
					outputJSON(resp)
					return nil
				}
				printMessages(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "load the page older than this message id")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "reload the newest page from the server")
	return cmd
}

func sendCmd(g *globals) *cobra.Command {
	var contentType, reportID, documentID string
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <text>...",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *api.Client) error {
				tempID, err := c.SendMessage(ctx, api.SendMessageRequest{
					ConversationID: args[0],
					Content:        strings.Join(args[1:], " "),
					ContentType:    model.ContentType(contentType),
					ReportID:       reportID,
					DocumentID:     documentID,
				})
				return printQueued(cmd, g, tempID, err)
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "type", string(model.ContentText), "content type (text, report_share, document)")
	cmd.Flags().StringVar(&reportID, "report", "", "attach a shared report id")
	cmd.Flags().StringVar(&documentID, "document", "", "attach an uploaded document id")
	return cmd
}

func resendCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "resend <conversation-id> <message-id>",
		Short: "Retry a failed message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *api.Client) error {
				tempID, err := c.Resend(ctx, args[0], args[1])
				return printQueued(cmd, g, tempID, err)
			})
		},
	}
}

func readCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation-id>",
		Short: "Mark a conversation as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *api.Client) error {
				return c.MarkRead(ctx, args[0])
			})
		},
	}
}

func openCmd(g *globals) *cobra.Command {
	var clearActive bool
	cmd := &cobra.Command{
		Use:   "open [conversation-id]",
		Short: "Set the conversation on screen; its messages stop counting as unread",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			if id == "" && !clearActive {
				return errors.New("conversation id required (or --clear)")
			}
			return g.run(func(ctx context.Context, c *api.Client) error {
				return c.SetActive(ctx, id)
			})
		},
	}
	cmd.Flags().BoolVar(&clearActive, "clear", false, "clear the active conversation")
	return cmd
}

func watchCmd(g *globals) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Streams run until interrupted.
			g.timeout = 0
			return g.run(func(ctx context.Context, c *api.Client) error {
				return c.WatchEvents(ctx, prefix, func(evt api.EventEnvelope) error {
					if g.json {
						outputJSON(evt)
						return nil
					}
					printEvent(cmd.OutOrStdout(), evt)
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only events whose kind starts with this (e.g. registry.)")
	return cmd
}

func readPassword(cmd *cobra.Command, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if pw := os.Getenv("FINLINK_PASSWORD"); pw != "" {
		return pw, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printLogin(cmd *cobra.Command, g *globals, resp *api.LoginResponse) {
	if g.json {
		outputJSON(resp)
		return
	}
	who := "unknown user"
	if resp.User != nil {
		who = resp.User.Email
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s).\n", who, plural(resp.Conversations, "conversation"))
}

func printStateChange(cmd *cobra.Command, g *globals, st *api.StatusResponse, err error) error {
	if err != nil {
		return err
	}
	if g.json {
		outputJSON(st)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Live channel: %s\n", st.State)
	return nil
}

func printQueued(cmd *cobra.Command, g *globals, tempID string, err error) error {
	if err != nil {
		return err
	}
	if g.json {
		outputJSON(api.SendMessageResponse{TempID: tempID})
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued as %s\n", tempID)
	return nil
}
