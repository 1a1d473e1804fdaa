package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/inline-chat/inline-sub015/internal/client/realtime"
	"github.com/inline-chat/inline-sub015/internal/client/storage"
	"github.com/inline-chat/inline-sub015/internal/client/store"
	"github.com/inline-chat/inline-sub015/wire"
)

func main() {
	var (
		serverURL string
		token     string
		userID    int64
		debug     bool
	)

	root := &cobra.Command{
		Use:   "inline",
		Short: "Realtime update stream client",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		},
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "ws://localhost:8010/realtime", "websocket endpoint")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("INLINE_TOKEN"), "session token")
	root.PersistentFlags().Int64Var(&userID, "user", 0, "user id the token belongs to")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	newClient := func() *realtime.Client {
		return realtime.NewClient(realtime.Options{
			Dialer: &realtime.WebsocketDialer{URL: serverURL},
			Token:  token,
			UserID: userID,
		})
	}

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Stream updates, catching up on the backlog first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runTail(ctx, newClient(), userID)
		},
	}

	var (
		toUser int64
		text   string
	)
	send := &cobra.Command{
		Use:   "send",
		Short: "Send a direct message",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return runSend(ctx, newClient(), toUser, text)
		},
	}
	send.Flags().Int64Var(&toUser, "to", 0, "recipient user id")
	send.Flags().StringVar(&text, "text", "", "message text")

	root.AddCommand(tail, send)
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func runTail(ctx context.Context, client *realtime.Client, userID int64) error {
	persisted := storage.NewMemory()
	state, err := storage.LoadClientState(ctx, persisted)
	if err != nil {
		return err
	}
	// A fresh cursor at seq 0 replays the user's own bucket from the start.
	key := wire.UserBucket(userID).Key()
	if _, ok := state.LastSeqByBucket[key]; !ok {
		state.LastSeqByBucket[key] = 0
	}

	st := store.New()

	client.Start()
	defer client.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-client.Events():
			switch ev.Type {
			case realtime.EventConnecting:
				log.Info().Msg("connecting")

			case realtime.EventOpen:
				log.Info().Msg("connected, catching up")
				if err := catchUp(ctx, client, st, state.LastSeqByBucket); err != nil {
					log.Warn().Err(err).Msg("catch-up failed")
					continue
				}
				state.LastSeqByBucket = mergeCursors(state.LastSeqByBucket, st.LastSeqByBucket())
				state.DateCursor = time.Now().Unix()
				if err := storage.SaveClientState(ctx, persisted, state); err != nil {
					log.Warn().Err(err).Msg("persist state failed")
				}

			case realtime.EventUpdates:
				st.ApplyUpdates(ev.Updates)
				state.LastSeqByBucket = mergeCursors(state.LastSeqByBucket, st.LastSeqByBucket())
				for _, upd := range ev.Updates {
					printUpdate(upd)
				}
			}
		}
	}
}

// catchUp drains the server-side backlog for every known bucket cursor.
func catchUp(ctx context.Context, client *realtime.Client, st *store.Store, cursors map[string]int64) error {
	for {
		raw, err := client.CallRPC(ctx, wire.MethodGetUpdates, wire.GetUpdatesInput{
			LastSeqByBucket: mergeCursors(cursors, st.LastSeqByBucket()),
		})
		if err != nil {
			return err
		}
		var res wire.GetUpdatesResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return err
		}
		st.ApplyUpdates(res.Updates)
		for _, upd := range res.Updates {
			printUpdate(upd)
		}
		if !res.HasMore {
			return nil
		}
	}
}

func mergeCursors(base, newer map[string]int64) map[string]int64 {
	merged := make(map[string]int64, len(base)+len(newer))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range newer {
		if v > merged[k] {
			merged[k] = v
		}
	}
	return merged
}

func printUpdate(upd wire.Update) {
	data, err := json.Marshal(upd)
	if err != nil {
		log.Warn().Err(err).Msg("unprintable update")
		return
	}
	fmt.Println(string(data))
}

func runSend(ctx context.Context, client *realtime.Client, toUser int64, text string) error {
	if toUser == 0 || text == "" {
		return fmt.Errorf("both --to and --text are required")
	}

	client.Start()
	defer client.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-client.Events():
			if ev.Type != realtime.EventOpen {
				continue
			}
			raw, err := client.CallRPC(ctx, wire.MethodSendMessage, wire.SendMessageInput{
				PeerID:   wire.UserPeer(toUser),
				RandomID: rand.Int63(),
				Text:     text,
			})
			if err != nil {
				return err
			}
			var res wire.SendMessageResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return err
			}
			log.Info().Int64("chat", res.Message.ChatID).Int64("id", res.Message.ID).Msg("sent")
			return nil
		}
	}
}
