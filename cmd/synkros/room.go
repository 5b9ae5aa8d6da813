package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"synkros/internal/client"
	"synkros/internal/core"
	"synkros/internal/p2p"
)

// leaveGrace bounds how long a sender waits for receivers to hang up
// before closing its connections.
const leaveGrace = 30 * time.Second

var (
	roomPassword    string
	roomAskPassword bool
	roomMaxPeers    int
	roomJoin        string
	roomWaitFor     int
	roomCount       int
	roomDir         string
)

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Send files directly between peers",
	Long:  "Peers meet in a short-lived room on the server and then transfer over WebRTC. The server relays only handshake messages.",
}

var roomCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a room and print its link",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		password, err := creationPassword(cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		sig := p2p.NewSignalingClient(client.NewClient(serverURL, nil))
		code, err := sig.CreateRoom(ctx, password, roomMaxPeers)
		if err != nil {
			return fmt.Errorf("creating room: %w", err)
		}
		keyHex, err := newRoomKey()
		if err != nil {
			return err
		}

		link := p2p.BuildRoomURL(serverURL, code, keyHex)
		fmt.Fprintln(cmd.OutOrStdout(), link)
		printQR(cmd.OutOrStdout(), link)
		return nil
	},
}

var roomSendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Send a file to everyone who joins the room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		stderr := cmd.ErrOrStderr()

		file, err := core.ParseFileArg(args, 0)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(file.FullPath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", file.Name, err)
		}

		var link *p2p.RoomLink
		password := roomPassword
		if roomJoin != "" {
			if link, err = p2p.ParseRoomURL(roomJoin); err != nil {
				return err
			}
		} else {
			if password, err = creationPassword(stderr); err != nil {
				return err
			}
			sig := p2p.NewSignalingClient(client.NewClient(serverURL, nil))
			code, err := sig.CreateRoom(ctx, password, roomMaxPeers)
			if err != nil {
				return fmt.Errorf("creating room: %w", err)
			}
			keyHex, err := newRoomKey()
			if err != nil {
				return err
			}
			link = &p2p.RoomLink{Server: serverURL, Code: code, KeyHex: keyHex}

			url := p2p.BuildRoomURL(serverURL, code, keyHex)
			fmt.Fprintln(cmd.OutOrStdout(), url)
			printQR(cmd.OutOrStdout(), url)
		}

		key, err := core.ImportHex(link.KeyHex, false)
		if err != nil {
			return err
		}
		defer key.Destroy()

		exec := newExecutor(nil)
		defer exec.Close()
		sealed, err := p2p.SealFile(ctx, exec, key, file.Name, data, nil)
		if err != nil {
			return fmt.Errorf("encrypting: %w", err)
		}

		sess, err := enterRoom(ctx, stderr, link, password)
		if err != nil {
			return err
		}
		defer leaveRoom(sess)

		fmt.Fprintf(stderr, "waiting for %d peer(s)...\n", roomWaitFor)
		if err := waitForChannels(ctx, sess, roomWaitFor); err != nil {
			return err
		}

		bar := newProgressBar(stderr, "send")
		n, err := sess.Broadcast(ctx, sealed, bar.Update)
		bar.Done()
		if err != nil {
			return err
		}
		fmt.Fprintf(stderr, "sent %s to %d peer(s)\n", file.Name, n)

		waitForHangup(ctx, sess, n)
		return nil
	},
}

var roomReceiveCmd = &cobra.Command{
	Use:   "receive <room-url>",
	Short: "Join a room and save the files sent to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		stderr := cmd.ErrOrStderr()

		link, err := p2p.ParseRoomURL(args[0])
		if err != nil {
			return err
		}
		key, err := core.ImportHex(link.KeyHex, false)
		if err != nil {
			return err
		}
		defer key.Destroy()

		exec := newExecutor(nil)
		defer exec.Close()

		sess, err := enterRoom(ctx, stderr, link, roomPassword)
		if err != nil {
			return err
		}
		defer leaveRoom(sess)

		bar := newProgressBar(stderr, "receive")
		for saved := 0; saved < roomCount; {
			select {
			case <-ctx.Done():
				bar.Done()
				return ctx.Err()
			case ev := <-sess.Events():
				switch ev.Kind {
				case p2p.EventChannelOpen:
					slog.Info("connected", "peer", ev.Peer)
				case p2p.EventProgress:
					if ev.Total > 0 {
						bar.Update(int(ev.Received * 100 / ev.Total))
					}
				case p2p.EventFileReceived:
					bar.Done()
					plain, err := p2p.OpenFile(ctx, exec, key, ev.File, nil)
					if err != nil {
						return &client.TransferError{Stage: client.StateDecrypting.String(), Err: err}
					}
					path, err := client.SaveTo(roomDir, ev.File.Name, plain)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes) from %s\n", path, len(plain), ev.Peer)
					saved++
				case p2p.EventError:
					if ev.Peer == "" {
						return ev.Err
					}
					slog.Warn("transfer error", "peer", ev.Peer, "error", ev.Err)
				}
			}
		}
		return nil
	},
}

func init() {
	roomCmd.PersistentFlags().StringVarP(&roomPassword, "password", "p", "", "room password")
	roomCmd.PersistentFlags().BoolVar(&roomAskPassword, "ask-password", false, "prompt for the room password")

	for _, c := range []*cobra.Command{roomCreateCmd, roomSendCmd} {
		c.Flags().IntVar(&roomMaxPeers, "max-peers", 2, "room capacity, including the sender")
	}
	roomSendCmd.Flags().StringVar(&roomJoin, "join", "", "send in an existing room instead of creating one")
	roomSendCmd.Flags().IntVar(&roomWaitFor, "wait-for", 1, "number of receivers to wait for before sending")
	roomReceiveCmd.Flags().IntVarP(&roomCount, "count", "n", 1, "number of files to receive before leaving")
	roomReceiveCmd.Flags().StringVarP(&roomDir, "output", "o", ".", "directory to save into")

	roomCmd.AddCommand(roomCreateCmd, roomSendCmd, roomReceiveCmd)
}

func creationPassword(w io.Writer) (string, error) {
	if roomPassword != "" || !roomAskPassword {
		return roomPassword, nil
	}
	return promptPassword(w, "Room password: ")
}

func newRoomKey() (string, error) {
	key, err := core.GenerateKey()
	if err != nil {
		return "", err
	}
	defer key.Destroy()
	return key.ExportHex()
}

// enterRoom joins the room, prompting for a password if the server
// refuses an empty one, and starts a session.
func enterRoom(ctx context.Context, w io.Writer, link *p2p.RoomLink, password string) (*p2p.Session, error) {
	sig := p2p.NewSignalingClient(client.NewClient(link.Server, nil))

	if password == "" && roomAskPassword {
		var err error
		if password, err = promptPassword(w, "Room password: "); err != nil {
			return nil, err
		}
	}

	status, err := sig.Validate(ctx, link.Code, password)
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden && password == "" {
		if password, err = promptPassword(w, "Room password: "); err != nil {
			return nil, err
		}
		status, err = sig.Validate(ctx, link.Code, password)
	}
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", link.Code, err)
	}
	if status.IsFull {
		return nil, fmt.Errorf("room %s is full (%d/%d)", link.Code, status.CurrentPeers, status.MaxPeers)
	}

	joined, err := sig.Join(ctx, link.Code, password)
	if err != nil {
		return nil, fmt.Errorf("joining room %s: %w", link.Code, err)
	}

	stun, err := sig.STUNServers(ctx)
	if err != nil {
		slog.Warn("no STUN servers from server; only direct routes will work", "error", err)
	}

	sess := p2p.NewSession(p2p.Config{
		Signaler: sig,
		Factory:  p2p.NewPionFactory(stun),
		Code:     link.Code,
		PeerID:   joined.PeerID,
	})
	if err := sess.Start(ctx, joined.Peers); err != nil {
		sig.Leave(context.Background(), link.Code, joined.PeerID)
		return nil, err
	}
	slog.Debug("joined room", "room", link.Code, "peer", joined.PeerID, "peers", len(joined.Peers))
	return sess, nil
}

func leaveRoom(sess *p2p.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		slog.Warn("leaving room", "error", err)
	}
}

func waitForChannels(ctx context.Context, sess *p2p.Session, n int) error {
	for len(sess.Peers()) < n {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sess.Events():
			switch ev.Kind {
			case p2p.EventChannelOpen:
				slog.Info("connected", "peer", ev.Peer)
			case p2p.EventError:
				if ev.Peer == "" {
					return ev.Err
				}
				slog.Warn("peer error", "peer", ev.Peer, "error", ev.Err)
			}
		}
	}
	return nil
}

// waitForHangup gives receivers time to finish reading before the
// sender's connections close.
func waitForHangup(ctx context.Context, sess *p2p.Session, n int) {
	timeout := time.After(leaveGrace)
	for gone := 0; gone < n; {
		select {
		case <-ctx.Done():
			return
		case <-timeout:
			return
		case ev := <-sess.Events():
			if ev.Kind == p2p.EventPeerDisconnected {
				gone++
			}
		}
	}
}
