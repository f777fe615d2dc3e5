package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/arbor/pkg/chat"
	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/store"
	"github.com/go-go-golems/arbor/pkg/streaming"
)

const chatTopic = "chat"

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Interactive chat, resuming an existing conversation when an id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var conversationID conversation.ConversationID
			if len(args) == 1 {
				var err error
				conversationID, err = conversation.ParseConversationID(args[0])
				if err != nil {
					return errors.Wrap(err, "invalid conversation id")
				}
			}
			return runChat(cmd.Context(), conversationID)
		},
	}

	cmd.Flags().String("model", "", "Model name to request")
	cmd.Flags().String("system-prompt", "", "System prompt for new conversations")
	cmd.Flags().Float32("temperature", 0.8, "Sampling temperature")
	cmd.Flags().Float32("top-p", 0.95, "Nucleus sampling cutoff")
	cmd.Flags().Int("max-tokens", 0, "Response token limit, 0 for the backend default")
	cmd.Flags().Bool("verbose", false, "Verbose event router logging")
	cobra.CheckErr(viper.BindPFlags(cmd.Flags()))

	return cmd
}

func runChat(ctx context.Context, conversationID conversation.ConversationID) error {
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()

	var routerOptions []events.EventRouterOption
	if viper.GetBool("verbose") {
		routerOptions = append(routerOptions, events.WithVerbose())
	}
	router, err := events.NewEventRouter(routerOptions...)
	if err != nil {
		return errors.Wrap(err, "create event router")
	}
	defer func() {
		_ = router.Close()
	}()
	router.AddHandler("chat-printer", chatTopic, printEvent)

	var clientOptions []streaming.ClientOption
	if key := viper.GetString("api-key"); key != "" {
		clientOptions = append(clientOptions, streaming.WithAPIKey(key))
	}
	client := streaming.NewClient(viper.GetString("base-url"), clientOptions...)

	orch := streaming.NewOrchestrator(s, client, streaming.WithSinks(router.Sink(chatTopic)))

	managerOptions := []chat.ManagerOption{
		chat.WithRequestOptions(streaming.RequestOptions{
			Model:       viper.GetString("model"),
			Temperature: float32(viper.GetFloat64("temperature")),
			TopP:        float32(viper.GetFloat64("top-p")),
			MaxTokens:   viper.GetInt("max-tokens"),
			Stream:      true,
		}),
	}
	if prompt := viper.GetString("system-prompt"); prompt != "" {
		managerOptions = append(managerOptions, chat.WithSystemPrompt(prompt))
	}
	manager := chat.NewManager(s, orch, managerOptions...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// first interrupt stops the active generation, second one exits
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		manager.StopAll()
		<-sigCh
		cancel()
	}()

	eg := errgroup.Group{}
	eg.Go(func() error {
		defer cancel()
		return router.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()
		<-router.Running()
		return repl(ctx, manager, conversationID)
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func repl(ctx context.Context, manager *chat.Manager, conversationID conversation.ConversationID) error {
	if !conversationID.IsZero() {
		if err := printHistory(ctx, manager, conversationID); err != nil {
			return err
		}
	}
	fmt.Println("Type a message, /help for commands.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := runReplCommand(ctx, manager, &conversationID, line)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			if quit {
				return nil
			}
			continue
		}

		result, err := manager.Send(ctx, conversationID, line)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		conversationID = result.Conversation.ID
		result.Handle.Wait()
	}
}

func runReplCommand(ctx context.Context, manager *chat.Manager, conversationID *conversation.ConversationID, line string) (quit bool, err error) {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/help":
		fmt.Println(`/new            start a fresh conversation
/stop           stop the running generation
/regen          regenerate the last answer as a new branch
/continue       continue the last answer where it stopped
/prev, /next    switch to the previous/next sibling branch
/history        reprint the current branch
/rename <name>  rename the conversation
/quit           exit`)
	case "/quit", "/exit":
		return true, nil
	case "/new":
		*conversationID = conversation.ConversationID{}
		fmt.Println("started a new conversation")
	case "/stop":
		manager.Stop(*conversationID)
	case "/regen":
		leafID, err := currentLeaf(ctx, manager, *conversationID)
		if err != nil {
			return false, err
		}
		_, handle, err := manager.RegenerateBranching(ctx, leafID)
		if err != nil {
			return false, err
		}
		handle.Wait()
	case "/continue":
		leafID, err := currentLeaf(ctx, manager, *conversationID)
		if err != nil {
			return false, err
		}
		handle, err := manager.Continue(ctx, leafID)
		if err != nil {
			return false, err
		}
		handle.Wait()
	case "/prev":
		return false, switchSibling(ctx, manager, *conversationID, -1)
	case "/next":
		return false, switchSibling(ctx, manager, *conversationID, +1)
	case "/history":
		return false, printHistory(ctx, manager, *conversationID)
	case "/rename":
		if arg == "" {
			return false, errors.New("usage: /rename <name>")
		}
		return false, manager.RenameConversation(ctx, *conversationID, arg)
	default:
		return false, errors.Errorf("unknown command %s", cmd)
	}
	return false, nil
}

func currentLeaf(ctx context.Context, manager *chat.Manager, conversationID conversation.ConversationID) (conversation.MessageID, error) {
	if conversationID.IsZero() {
		return conversation.NilMessage, errors.New("no active conversation")
	}
	displayed, err := manager.DisplayPath(ctx, conversationID)
	if err != nil {
		return conversation.NilMessage, err
	}
	if len(displayed) == 0 {
		return conversation.NilMessage, errors.New("conversation has no messages")
	}
	return displayed[len(displayed)-1].Message.ID, nil
}

func switchSibling(ctx context.Context, manager *chat.Manager, conversationID conversation.ConversationID, direction int) error {
	displayed, err := manager.DisplayPath(ctx, conversationID)
	if err != nil {
		return err
	}

	// walk up the displayed path to the closest message with branches
	for i := len(displayed) - 1; i >= 0; i-- {
		siblings := displayed[i].Siblings
		if siblings.TotalSiblings() < 2 {
			continue
		}
		target := siblings.Index + direction
		if target < 0 || target >= siblings.TotalSiblings() {
			return errors.New("no more branches in that direction")
		}
		_, err := manager.NavigateToSibling(ctx, conversationID, siblings.LeafIDs[target])
		if err != nil {
			return err
		}
		fmt.Printf("switched to branch %d/%d\n", target+1, siblings.TotalSiblings())
		return printHistory(ctx, manager, conversationID)
	}

	return errors.New("this conversation has no branches")
}

func printHistory(ctx context.Context, manager *chat.Manager, conversationID conversation.ConversationID) error {
	displayed, err := manager.DisplayPath(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, d := range displayed {
		marker := ""
		if d.Siblings.TotalSiblings() > 1 {
			marker = fmt.Sprintf(" [%d/%d]", d.Siblings.Index+1, d.Siblings.TotalSiblings())
		}
		fmt.Printf("%s%s: %s\n", d.Message.Role, marker, d.Message.Content)
	}
	return nil
}

func printEvent(_ context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case *events.EventPartial:
		fmt.Print(e.Delta)
	case *events.EventPartialThinking:
		log.Debug().Str("delta", e.Delta).Msg("thinking")
	case *events.EventModel:
		log.Debug().Str("model", e.Model).Msg("model resolved")
	case *events.EventToolCallBatch:
		for _, call := range e.Calls {
			fmt.Printf("\n[tool call] %s(%s)\n", call.Name, call.Arguments)
		}
	case *events.EventFinal:
		fmt.Println()
		if e.Timings != nil {
			log.Info().
				Int("tokens", e.Timings.PredictedN).
				Float64("tokens_per_second", e.Timings.TokensPerSecond()).
				Msg("generation finished")
		}
	case *events.EventInterrupt:
		fmt.Println("\n[stopped]")
	case *events.EventError:
		fmt.Fprintf(os.Stderr, "\n[%s] %s\n", e.Kind, e.ErrorString)
	}
	return nil
}

func openStore(ctx context.Context) (*store.SQLiteStore, error) {
	dbPath := viper.GetString("db")
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}
	return store.NewSQLiteStore(ctx, dbPath)
}
