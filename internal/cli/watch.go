package cli

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"collabtext/internal/auth"
	"collabtext/internal/codec"
	"collabtext/internal/crdt"
	"collabtext/internal/protocol"
)

var (
	watchURL   string
	watchToken string
	watchUser  string
)

var watchCmd = &cobra.Command{
	Use:   "watch [doc-id]",
	Short: "Follow a document live",
	Long: `Joins a document room as a read-only client and prints the text every
time it changes, along with commits, presence and errors. Pass --token, or
--user to mint one with the configured jwt_secret.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "ws://localhost:8081", "Server base URL")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "Access token")
	watchCmd.Flags().StringVar(&watchUser, "user", "", "Mint a token for this user id")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	tok := watchToken
	if tok == "" && watchUser != "" {
		var err error
		tok, err = auth.NewVerifier(cfg.JWTSecret).Issue(watchUser, watchUser, time.Hour)
		if err != nil {
			return err
		}
	}

	u, err := roomURL(watchURL, args[0], tok)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("joining %s: %s", args[0], resp.Status)
		}
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	err = watchDocument(conn, cmd.OutOrStdout())
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// roomURL builds the websocket URL of docID's room under base.
func roomURL(base, docID, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u.Path = "/ws/" + docID
	u.RawPath = "/ws/" + url.PathEscape(docID)
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// watchDocument asks for the full document, then keeps a local replica up
// to date and reports every frame until the connection closes.
func watchDocument(conn *websocket.Conn, w io.Writer) error {
	empty := codec.MarshalStateVector(crdt.StateVector{})
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.Encode(protocol.MsgSyncStep1, empty)); err != nil {
		return err
	}

	replica := crdt.New(crdt.NewClientID())
	last := ""
	synced := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			fmt.Fprintf(w, "bad frame: %v\n", err)
			continue
		}

		switch frame.Type {
		case protocol.MsgSyncStep2, protocol.MsgUpdate:
			p, err := codec.Decode(frame.Payload)
			if err != nil {
				fmt.Fprintf(w, "bad %s: %v\n", frame.Type, err)
				continue
			}
			if _, err := replica.Apply(p.Update); err != nil {
				fmt.Fprintf(w, "cannot apply %s: %v\n", frame.Type, err)
				continue
			}
			if text := replica.Text(); !synced || text != last {
				fmt.Fprintf(w, "text: %q\n", text)
				last, synced = text, true
			}

		case protocol.MsgCommit:
			v, err := protocol.DecodeCommit(frame.Payload)
			if err != nil {
				fmt.Fprintf(w, "bad commit: %v\n", err)
				continue
			}
			fmt.Fprintf(w, "committed version %d\n", v)

		case protocol.MsgAwareness:
			a, err := protocol.DecodeAwareness(frame.Payload)
			if err != nil {
				fmt.Fprintf(w, "bad awareness: %v\n", err)
				continue
			}
			name := a.DisplayName
			if name == "" {
				name = a.ConnectionID
			}
			if a.Removed {
				fmt.Fprintf(w, "left: %s\n", name)
			} else {
				fmt.Fprintf(w, "present: %s\n", name)
			}

		case protocol.MsgError:
			e, err := protocol.DecodeError(frame.Payload)
			if err != nil {
				fmt.Fprintf(w, "bad error frame: %v\n", err)
				continue
			}
			fmt.Fprintf(w, "error %s: %s\n", e.Code, e.Message)
		}
	}
}
