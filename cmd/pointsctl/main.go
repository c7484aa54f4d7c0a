// Command pointsctl runs one-off ledger maintenance against the configured store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"housecup.org/internal/app"
	"housecup.org/internal/config"
	"housecup.org/internal/obs"
	"housecup.org/internal/policy"
)

const usage = `usage: pointsctl <command> [flags]

commands:
  next-id                   issue the next external member id
  backfill -actor ID        assign ids to members missing one
  token -member ID [-ttl D] mint a bearer token for a member
  grant-admin -member ID    make a member an administrator`

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		log.Fatal(usage)
	}
	cmd, args := os.Args[1], os.Args[2:]

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := obs.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("build app: %v", err)
	}
	defer a.Close()

	if err := run(ctx, a, cfg, cmd, args); err != nil {
		a.Close()
		log.Fatalf("%s: %v", cmd, err)
	}
}

func run(ctx context.Context, a *app.App, cfg *config.Config, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	switch cmd {
	case "next-id":
		if err := fs.Parse(args); err != nil {
			return err
		}
		id, err := a.Sequence.Next(ctx, cfg.Ledger.IDPrefix, cfg.Ledger.IDWidth)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil

	case "backfill":
		actor := fs.String("actor", "", "Admin member id performing the backfill")
		if err := fs.Parse(args); err != nil {
			return err
		}
		res, err := a.Engine.Backfill(ctx, *actor)
		if err != nil {
			return err
		}
		return printJSON(res)

	case "token":
		member := fs.String("member", "", "Member id to put in the subject")
		ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if a.Tokens == nil {
			return fmt.Errorf("auth.secret is not configured")
		}
		token, exp, err := a.Tokens.Issue(*member, *ttl)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"token": token, "expires_at": exp.UTC()})

	case "grant-admin":
		member := fs.String("member", "", "Member id to promote")
		if err := fs.Parse(args); err != nil {
			return err
		}
		m, err := a.Engine.GrantRole(ctx, *member, policy.RoleAdmin)
		if err != nil {
			return err
		}
		return printJSON(m)
	}
	return fmt.Errorf("unknown command\n%s", usage)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
