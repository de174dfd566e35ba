package main

import (
	"database/sql"
	"flag"
	"fmt"
	stdlog "log"
	"os"

	"claude-relay-go/internal/migrations"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

func main() {
	driver := flag.String("driver", "postgres", "database driver: postgres or mysql")
	dsn := flag.String("dsn", "", "database connection string")
	action := flag.String("action", "up", "migration action: up or down")
	steps := flag.Int("steps", 1, "steps to roll back when action=down")
	flag.Parse()

	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "missing required flag: -dsn")
		os.Exit(2)
	}
	if *driver != "postgres" && *driver != "mysql" {
		fmt.Fprintf(os.Stderr, "unknown driver %q (expected postgres or mysql)\n", *driver)
		os.Exit(2)
	}

	db, err := sql.Open(*driver, *dsn)
	if err != nil {
		stdlog.Fatalf("open database: %v", err)
	}
	defer db.Close()

	switch *action {
	case "up":
		if *driver == "mysql" {
			err = migrations.MySQLUp(db)
		} else {
			err = migrations.PostgresUp(db)
		}
		if err != nil {
			stdlog.Fatalf("migrate up: %v", err)
		}
		stdlog.Println("migrations applied")
	case "down":
		if *driver == "mysql" {
			err = migrations.MySQLDown(db, *steps)
		} else {
			err = migrations.PostgresDown(db, *steps)
		}
		if err != nil {
			stdlog.Fatalf("migrate down: %v", err)
		}
		stdlog.Printf("rolled back %d step(s)\n", *steps)
	default:
		fmt.Fprintf(os.Stderr, "unknown action %q (expected up or down)\n", *action)
		os.Exit(2)
	}
}
