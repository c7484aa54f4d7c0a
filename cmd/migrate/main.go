package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"housecup.org/internal/docstore/sqlstore"
	"housecup.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		driver = flag.String("driver", envOr("HOUSECUP_STORE_DRIVER", "postgres"), "postgres or sqlite")
		dsn    = flag.String("dsn", os.Getenv("HOUSECUP_STORE_DSN"), "Database DSN")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or HOUSECUP_STORE_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}
	d, ok := sqlstore.DialectFor(*driver)
	if !ok {
		log.Fatalf("unsupported driver %q", *driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open(d.Driver, *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr, err := migrate.NewManager(db, d.Name)
	if err != nil {
		log.Fatalf("%v", err)
	}

	switch flag.Arg(0) {
	case "up":
		var n int
		n, err = mgr.Up(ctx)
		if err == nil {
			fmt.Printf("applied %d migrations\n", n)
		}
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
