package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/config"
	"github.com/basket/go-warden/internal/message"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/routing"
	"github.com/basket/go-warden/internal/shared"
)

// runStatusCommand prints queue depths, work-item counts, and recent dead
// letters straight from the store. It does not need a running daemon.
func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	deadLetterLimit := fs.Int("dead-letters", 10, "number of dead letters to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	homeDir := config.HomeDir()
	store, err := persistence.Open(config.DBPath(homeDir), bus.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "QUEUE\tDEPTH")
	for _, queue := range []string{routing.QueueRouter, routing.QueuePlanner, routing.QueueExecutor, routing.QueueStatus} {
		depth, err := store.QueueDepth(ctx, queue)
		if err != nil {
			fmt.Fprintf(os.Stderr, "queue depth %s: %v\n", queue, err)
			return 1
		}
		fmt.Fprintf(w, "%s\t%d\n", queue, depth)
	}
	fmt.Fprintln(w)

	pending, running, terminal, err := store.WorkItemCounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "work item counts: %v\n", err)
		return 1
	}
	fmt.Fprintln(w, "WORK ITEMS\tCOUNT")
	fmt.Fprintf(w, "pending\t%d\n", pending)
	fmt.Fprintf(w, "running\t%d\n", running)
	fmt.Fprintf(w, "terminal\t%d\n", terminal)
	fmt.Fprintln(w)

	letters, err := store.ListDeadLetters(ctx, *deadLetterLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dead letters: %v\n", err)
		return 1
	}
	if len(letters) == 0 {
		fmt.Fprintln(w, "DEAD LETTERS\tnone")
	} else {
		fmt.Fprintln(w, "DEAD LETTER\tQUEUE\tRETRIES\tREASON")
		for _, dl := range letters {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", dl.MessageID, dl.Queue, dl.RetryCount, dl.Reason)
		}
	}
	w.Flush()
	return 0
}

// runSubmitCommand enqueues a user message onto the router queue. The serve
// process picks it up and derives a plan request from it.
func runSubmitCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	scopeID := fs.String("scope", "default", "scope the message belongs to")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	content := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if content == "" {
		fmt.Fprintln(os.Stderr, "usage: gowarden submit [-scope <id>] <text>")
		return 2
	}

	homeDir := config.HomeDir()
	store, err := persistence.Open(config.DBPath(homeDir), bus.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	msg := message.New(message.SenderUser, message.KindUserMessage, *scopeID, shared.NewTraceID())
	msg.Content = content
	msg.Taint = message.TaintUntrusted

	inserted, err := store.Enqueue(ctx, routing.QueueRouter, msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		return 1
	}
	if !inserted {
		fmt.Println("duplicate message, already queued")
		return 0
	}
	fmt.Printf("queued %s (trace %s)\n", msg.MessageID, msg.TraceID)
	return 0
}
