package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/go-warden/internal/approval"
	"github.com/basket/go-warden/internal/audit"
	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/config"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/workitem"
)

// runApproveCommand records a human decision for a work item: it issues a
// signed token bound to the item's current plan hash and attaches it to the
// item. The serve process verifies the token on dispatch; this command only
// needs the shared store and signing key.
func runApproveCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	deny := fs.Bool("deny", false, "record a denial instead of an approval")
	standing := fs.Bool("standing", false, "issue a standing token for a goal's spawned tasks")
	executions := fs.Int("executions", 1, "executions the token covers")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: gowarden approve [-deny] [-standing] [-executions <n>] [-ttl <d>] <work-item-id>")
		return 2
	}
	itemID := fs.Arg(0)

	homeDir := config.HomeDir()
	if err := audit.Init(homeDir); err != nil {
		fmt.Fprintf(os.Stderr, "init audit: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	store, err := persistence.Open(config.DBPath(homeDir), bus.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()
	audit.SetDB(store.DB())

	signer, err := approval.LoadOrCreateSigner(homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load signing key: %v\n", err)
		return 1
	}
	approvals := approval.NewEngine(store, signer)

	w, err := store.GetWorkItem(ctx, itemID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load work item: %v\n", err)
		return 1
	}

	verdict := approval.VerdictApproved
	if *deny {
		verdict = approval.VerdictDenied
	}
	scope := approval.ScopeSingle
	if *standing {
		scope = approval.ScopeStanding
	}

	tok, err := approvals.Issue(ctx, *w, approval.Decision{
		Verdict:       verdict,
		Scope:         scope,
		MaxExecutions: *executions,
		TTL:           *ttl,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		return 1
	}

	w.ApprovalTokenID = tok.TokenID
	if err := store.UpdateWorkItemRuntime(ctx, *w); err != nil {
		fmt.Fprintf(os.Stderr, "bind token: %v\n", err)
		return 1
	}

	// An item previously blocked on a missing or denied approval re-enters
	// dispatch once the new decision lands.
	if verdict == approval.VerdictApproved && w.Status == workitem.StatusBlocked {
		if _, err := store.TransitionWorkItem(ctx, w.ID,
			[]workitem.Status{workitem.StatusBlocked}, workitem.StatusPending); err != nil {
			fmt.Fprintf(os.Stderr, "unblock work item: %v\n", err)
			return 1
		}
	}

	fmt.Printf("%s token %s issued for %s (scope %s, executions %d, expires %s)\n",
		verdict, tok.TokenID, w.ID, scope, tok.MaxExecutions, tok.ExpiresAt.Format(time.RFC3339))
	return 0
}
