package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/breedchat-server/internal/client"
	"github.com/vovakirdan/breedchat-server/internal/log"
)

type options struct {
	server   string
	token    string
	logLevel string
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		color.Red.Println(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "breedchat",
		Short:         "Terminal client for breed chat rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("BREEDCHAT_SERVER", "http://localhost:8080"), "server base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("BREEDCHAT_TOKEN"), "session token (or $BREEDCHAT_TOKEN)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "client log level")

	root.AddCommand(
		newRegisterCmd(opts),
		newLoginCmd(opts),
		newRoomsCmd(opts),
		newCreateRoomCmd(opts),
		newJoinCmd(opts),
	)
	return root
}

func newRegisterCmd(opts *options) *cobra.Command {
	var password, breed, avatar string
	cmd := &cobra.Command{
		Use:   "register <nickname>",
		Short: "Create an account and print its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := client.NewAPI(opts.server, "", nil)
			if err != nil {
				return err
			}
			token, user, err := api.Register(cmd.Context(), args[0], password, breed, avatar)
			if err != nil {
				return err
			}
			printToken(user, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().StringVar(&breed, "breed", "", "your dog's breed")
	cmd.Flags().StringVar(&avatar, "avatar", "", "avatar URL")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLoginCmd(opts *options) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <nickname>",
		Short: "Log in and print a fresh token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := client.NewAPI(opts.server, "", nil)
			if err != nil {
				return err
			}
			token, user, err := api.Login(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			printToken(user, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func printToken(user client.User, token string) {
	color.Green.Printf("Logged in as %s (id=%d)\n", user.Nickname, user.ID)
	fmt.Printf("export BREEDCHAT_TOKEN=%s\n", token)
}

func newRoomsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List rooms, most recently active first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := client.NewAPI(opts.server, opts.token, nil)
			if err != nil {
				return err
			}
			rooms, err := api.Rooms(cmd.Context())
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Room", "Messages", "Online", "Last message"})
			table.SetAutoFormatHeaders(true)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetCenterSeparator("")
			table.SetColumnSeparator("")
			table.SetRowSeparator("")
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetTablePadding("\t")
			for _, r := range rooms {
				last := "-"
				if r.LastMessageAt != nil {
					last = r.LastMessageAt.Local().Format(time.DateTime)
				}
				table.Append([]string{r.Name, strconv.FormatInt(r.MessageCount, 10), strconv.Itoa(r.Online), last})
			}
			table.Render()
			return nil
		},
	}
}

func newCreateRoomCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "create-room <breed>",
		Short: "Create a room for a breed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := client.NewAPI(opts.server, opts.token, nil)
			if err != nil {
				return err
			}
			room, err := api.CreateRoom(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			color.Green.Printf("Room %s is ready\n", room.Name)
			return nil
		},
	}
}

func newJoinCmd(opts *options) *cobra.Command {
	var history int
	cmd := &cobra.Command{
		Use:   "join <breed>",
		Short: "Chat in a breed room",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := client.NewSession(client.Config{
				ServerURL:    opts.server,
				Token:        opts.token,
				Room:         strings.Join(args, " "),
				HistoryLimit: history,
				Logger:       log.New(opts.logLevel, "console"),
			})
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.Join(ctx); err != nil {
				return fmt.Errorf("join: %w", err)
			}
			return chat(ctx, sess)
		},
	}
	cmd.Flags().IntVar(&history, "history", 0, "messages of history to load (0 uses the server default)")
	return cmd
}

// chat renders the room view and sends typed lines until stdin closes or ctx ends.
func chat(ctx context.Context, sess *client.Session) error {
	r := newRenderer(sess.Self().ID)
	color.Cyan.Printf("Joined %s as %s. Type to chat, /retry resends failed messages, /quit leaves.\n",
		sess.View().Room(), sess.Self().Nickname)
	r.render(sess.View().Entries())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return sess.Leave(context.Background())
		case <-sess.Updates():
			r.render(sess.View().Entries())
		case err := <-sess.Errors():
			color.Red.Printf("! %v\n", err)
			if sess.State() == client.StateDisconnected {
				return err
			}
		case line, ok := <-lines:
			if !ok {
				return sess.Leave(context.Background())
			}
			if err := handleLine(ctx, sess, strings.TrimSpace(line)); err != nil {
				if errors.Is(err, errQuit) {
					return sess.Leave(context.Background())
				}
				color.Red.Printf("! %v\n", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func handleLine(ctx context.Context, sess *client.Session, line string) error {
	switch line {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/retry":
		for _, e := range sess.View().Entries() {
			if e.Status == client.StatusFailed {
				if _, err := sess.Resend(ctx, e.Nonce); err != nil {
					return err
				}
			}
		}
		return nil
	}
	_, err := sess.Send(ctx, line)
	return err
}

// renderer prints entries once and reports status changes of our own messages.
type renderer struct {
	self    int64
	printed map[string]client.Status
}

func newRenderer(self int64) *renderer {
	return &renderer{self: self, printed: make(map[string]client.Status)}
}

func (r *renderer) render(entries []client.Entry) {
	for _, e := range entries {
		key := entryKey(e)
		prev, seen := r.printed[key]
		if e.Nonce != "" && e.Message.ID != 0 {
			r.printed["id:"+strconv.FormatInt(e.Message.ID, 10)] = e.Status
		}
		r.printed[key] = e.Status
		switch {
		case !seen:
			r.line(e)
		case prev != e.Status && e.Status == client.StatusFailed:
			color.Red.Printf("  ✗ %q not sent: %v\n", e.Message.Content, e.Err)
		}
	}
}

func (r *renderer) line(e client.Entry) {
	at := e.Message.CreatedAt.Local().Format(time.TimeOnly)
	name := e.Message.Nickname
	switch {
	case e.Status == client.StatusFailed:
		color.Red.Printf("%s %s: %s (failed: %v)\n", at, name, e.Message.Content, e.Err)
	case e.Message.AuthorID == r.self:
		color.Green.Printf("%s %s: %s\n", at, name, e.Message.Content)
	default:
		fmt.Printf("%s %s: %s\n", at, color.Cyan.Sprint(name), e.Message.Content)
	}
}

// entryKey is stable across the pending to confirmed transition of our own messages.
func entryKey(e client.Entry) string {
	if e.Nonce != "" {
		return "nonce:" + e.Nonce
	}
	return "id:" + strconv.FormatInt(e.Message.ID, 10)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
