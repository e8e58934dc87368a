package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"kalamche.app/gateway/internal/account"
	"kalamche.app/gateway/internal/migrate"
)

func main() {
	log.SetFlags(0)
	dsn := flag.String("dsn", os.Getenv("KALAMCHE_DATABASE_URL"), "PostgreSQL DSN")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or KALAMCHE_DATABASE_URL")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status|pending]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := account.Open(*dsn, 2)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrate.Schema())

	var lines []string
	switch flag.Arg(0) {
	case "up":
		lines, err = mgr.Up(ctx)
		if err == nil && len(lines) == 0 {
			lines = []string{"nothing to apply"}
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			lines = []string{"rolled back " + name}
		}
	case "status":
		lines, err = mgr.Status(ctx)
	case "pending":
		lines, err = mgr.Pending(ctx)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
	for _, line := range lines {
		fmt.Println(line)
	}
}
