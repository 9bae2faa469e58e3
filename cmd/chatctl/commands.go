package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(
		statusCmd,
		loginCmd,
		logoutCmd,
		conversationsCmd,
		openCmd,
		messagesCmd,
		sendCmd,
		typingCmd,
		readCmd,
		presenceCmd,
		startCmd,
		usersCmd,
		friendsCmd,
		profileCmd,
		watchCmd,
	)

	loginCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().String("password", "", "account password (default $"+config.EnvPassword+")")
	loginCmd.Flags().String("token", "", "existing access token")

	openCmd.Flags().Bool("wait", false, "wait until the history is loaded")

	sendCmd.Flags().String("to", "", "conversation to send to (default: the open one)")

	typingCmd.AddCommand(typingNotifyCmd)

	usersCmd.AddCommand(usersSearchCmd)

	friendsCmd.Flags().Bool("refresh", false, "reload friends and requests from the server")
	friendsCmd.AddCommand(friendsRequestCmd, friendsAcceptCmd, friendsRejectCmd)

	profileCmd.Flags().String("username", "", "new username")
	profileCmd.Flags().String("bio", "", "new bio")
	profileCmd.Flags().String("picture", "", "new profile picture URL")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show profile status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.Status(ctx)
			if err != nil {
				return err
			}
			render(resp, func() { printStatus(resp) })
			return nil
		})
	},
}

func printStatus(resp *api.StatusResponse) {
	fmt.Printf("Profile:  %s\n", resp.Session)
	fmt.Printf("Status:   %s\n", resp.Status)
	fmt.Printf("Uptime:   %s\n", time.Duration(resp.UptimeMs)*time.Millisecond)
	if resp.Server != "" {
		link := "disconnected"
		if resp.Connected {
			link = "connected"
		}
		fmt.Printf("Server:   %s (%s)\n", resp.Server, link)
	}
	if resp.UserID != "" {
		fmt.Printf("User:     %s\n", resp.UserID)
	}
	if resp.Active != "" {
		fmt.Printf("Open:     %s\n", resp.Active)
	}
	fmt.Printf("Stored:   %d conversations, %d messages\n", resp.Conversations, resp.Messages)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with email and password, or an access token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		token, _ := cmd.Flags().GetString("token")
		if password == "" {
			password = os.Getenv(config.EnvPassword)
		}
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.Login(ctx, api.LoginRequest{Email: email, Password: password, Token: token})
			if err != nil {
				return err
			}
			render(resp, func() { printStatus(resp) })
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and clear the profile's conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.Logout(ctx)
			if err != nil {
				return err
			}
			render(resp, func() { fmt.Printf("Logged out. Status: %s\n", resp.Status) })
			return nil
		})
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations [query]",
	Aliases: []string{"ls"},
	Short:   "List conversations by recent activity, optionally filtered",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := ""
		if len(args) == 1 {
			query = args[0]
		}
		return withClient(func(ctx context.Context, c *client.Client) error {
			convs, err := c.Conversations(ctx, query)
			if err != nil {
				return err
			}
			render(convs, func() {
				if len(convs) == 0 {
					fmt.Println("No conversations.")
					return
				}
				for _, conv := range convs {
					printConversation(conv)
				}
			})
			return nil
		})
	},
}

func printConversation(conv api.Conversation) {
	marker := " "
	if conv.PeerOnline {
		marker = "*"
	}
	name := conv.Name
	if name == "" {
		name = conv.ID
	}
	unread := ""
	if conv.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", conv.UnreadCount)
	}
	fmt.Printf("%s %-24s %-8s %s%s\n", marker, name, conv.LoadState, conv.LastMessagePreview, unread)
	if len(conv.Typing) > 0 {
		fmt.Printf("  %s typing...\n", strings.Join(conv.Typing, ", "))
	}
}

var openCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Open a conversation and load its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		return withClient(func(ctx context.Context, c *client.Client) error {
			conv, err := c.Open(ctx, api.OpenRequest{ConversationID: args[0], Wait: wait, TimeoutMs: timeoutFlag.Milliseconds()})
			if err != nil {
				return err
			}
			render(conv, func() { printConversation(*conv) })
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages [conversation-id]",
	Short: "Show a conversation's messages (default: the open one)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return withClient(func(ctx context.Context, c *client.Client) error {
			msgs, err := c.Messages(ctx, id)
			if err != nil {
				return err
			}
			render(msgs, func() {
				for _, m := range msgs {
					printMessage(m)
				}
			})
			return nil
		})
	},
}

func printMessage(m api.Message) {
	ts := time.UnixMilli(m.CreatedAt).Format("2006-01-02 15:04")
	arrow := "<"
	if m.Direction == "outbound" {
		arrow = ">"
	}
	flags := ""
	switch {
	case m.State != "confirmed":
		flags = " [" + m.State + "]"
	case m.ReadAt > 0:
		flags = " [read]"
	}
	fmt.Printf("%s %s %-12s %s%s\n", ts, arrow, m.SenderID, m.Body, flags)
}

var sendCmd = &cobra.Command{
	Use:   "send <text...>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		return withClient(func(ctx context.Context, c *client.Client) error {
			msg, err := c.Send(ctx, to, strings.Join(args, " "))
			if err != nil {
				return err
			}
			render(msg, func() { printMessage(*msg) })
			return nil
		})
	},
}

var typingCmd = &cobra.Command{
	Use:   "typing [conversation-id]",
	Short: "Show who is typing (default: in the open conversation)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.Typing(ctx, id)
			if err != nil {
				return err
			}
			render(resp, func() {
				if len(resp.UserIDs) == 0 {
					fmt.Println("Nobody is typing.")
					return
				}
				fmt.Printf("%s typing...\n", strings.Join(resp.UserIDs, ", "))
			})
			return nil
		})
	},
}

var typingNotifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Report a keystroke in the open conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			return c.NotifyTyping(ctx)
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read [conversation-id]",
	Short: "Mark a conversation as displayed and send read receipts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return withClient(func(ctx context.Context, c *client.Client) error {
			n, err := c.MarkDisplayed(ctx, id)
			if err != nil {
				return err
			}
			render(api.MarkDisplayedResponse{Sent: n}, func() { fmt.Printf("Sent %d read receipts.\n", n) })
			return nil
		})
	},
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "List known contact presence",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.Presence(ctx)
			if err != nil {
				return err
			}
			render(resp, func() {
				for _, e := range resp.Entries {
					state := "offline"
					if e.Online {
						state = "online"
					}
					fmt.Printf("%-24s %s\n", e.UserID, state)
				}
			})
			return nil
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Start (or reopen) a conversation with a friend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			conv, err := c.StartConversation(ctx, args[0])
			if err != nil {
				return err
			}
			render(conv, func() { printConversation(*conv) })
			return nil
		})
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "User directory",
}

var usersSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search users by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			users, err := c.SearchUsers(ctx, args[0])
			if err != nil {
				return err
			}
			render(users, func() {
				if len(users) == 0 {
					fmt.Println("No users found.")
					return
				}
				for _, u := range users {
					printUser(u)
				}
			})
			return nil
		})
	},
}

func printUser(u restapi.User) {
	edge := u.FriendshipStatus
	if edge == "" {
		edge = restapi.FriendshipNone
	}
	fmt.Printf("%-24s %-20s %s\n", u.ID, u.Username, edge)
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "List friends and pending requests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")
		return withClient(func(ctx context.Context, c *client.Client) error {
			resp, err := c.Friends(ctx, refresh)
			if err != nil {
				return err
			}
			render(resp, func() {
				fmt.Printf("Friends (%d):\n", len(resp.Friends))
				for _, id := range resp.Friends {
					fmt.Printf("  %s\n", id)
				}
				fmt.Printf("Requests (%d):\n", len(resp.Requests))
				for _, r := range resp.Requests {
					fmt.Printf("  %s  %s -> %s\n", r.ID, r.Sender.Username, r.Receiver.Username)
				}
			})
			return nil
		})
	},
}

var friendsRequestCmd = &cobra.Command{
	Use:   "request <user-id>",
	Short: "Send a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			return c.RequestFriend(ctx, args[0])
		})
	},
}

var friendsAcceptCmd = &cobra.Command{
	Use:   "accept <request-id>",
	Short: "Accept a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			return c.AcceptFriend(ctx, args[0])
		})
	},
}

var friendsRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			return c.RejectFriend(ctx, args[0])
		})
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Update the current user's profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var update restapi.ProfileUpdate
		update.Username, _ = cmd.Flags().GetString("username")
		update.Bio, _ = cmd.Flags().GetString("bio")
		update.ProfilePicture, _ = cmd.Flags().GetString("picture")
		return withClient(func(ctx context.Context, c *client.Client) error {
			u, err := c.UpdateProfile(ctx, update)
			if err != nil {
				return err
			}
			render(u, func() { fmt.Printf("Updated %s (%s)\n", u.Username, u.ID) })
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [namespace...]",
	Short: "Stream events, e.g. chatctl watch message. typing.",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionName := session.Resolve(sessionFlag)
		if err := session.ValidateName(sessionName); err != nil {
			return err
		}
		c, err := client.New(session.SocketPath(sessionName))
		if err != nil {
			return fmt.Errorf("cannot connect to daemon for profile %q: %w", sessionName, err)
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = c.Watch(ctx, args, func(env api.EventEnvelope) error {
			render(env, func() {
				ts := time.UnixMilli(env.OccurredAtMs).Format("15:04:05.000")
				fmt.Printf("%s %-28s %s\n", ts, env.Kind, env.Payload)
			})
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}
