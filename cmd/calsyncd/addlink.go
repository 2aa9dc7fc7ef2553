package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/taskmirror/calsync/internal"
	"github.com/taskmirror/calsync/internal/sqlite"
)

var AddLinkCommand = _addLinkCommand{
	Name:        "add-link",
	Description: "Bind an external calendar to a local user",
}

type _addLinkCommand struct {
	Name        string
	Description string
}

func (c _addLinkCommand) Run(ctx context.Context, args []string) error {
	var (
		dbFilename string
		userID     int64
		platform   string
		calendarID string
		authFile   string
		direction  string
	)

	fs := flag.NewFlagSet(c.Name, flag.ExitOnError)
	fs.Usage = func() {
		w := flag.CommandLine.Output()
		fmt.Fprintf(w, "Usage of %s %s:\n", os.Args[0], fs.Name())
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Options:\n")
		fs.PrintDefaults()
	}
	fs.StringVar(&dbFilename, "db", "calsync.db", "sqlite database file")
	fs.Int64Var(&userID, "user", 0, "local user id")
	fs.StringVar(&platform, "platform", internal.PlatformGoogle, "calendar platform (google, outlook)")
	fs.StringVar(&calendarID, "calendar-id", "primary", "calendar id on the platform")
	fs.StringVar(&authFile, "auth", "", "file holding the oauth token JSON")
	fs.StringVar(&direction, "direction", internal.SyncFromRemote.String(), "sync direction (to_remote, from_remote, bidirectional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if userID == 0 || authFile == "" {
		fs.Usage()
		return fmt.Errorf("add-link: -user and -auth are required")
	}

	auth, err := os.ReadFile(authFile)
	if err != nil {
		return fmt.Errorf("reading auth file: %v", err)
	}

	db, err := sql.Open(sqlite.DriverName, dbFilename)
	if err != nil {
		return err
	}
	defer db.Close()
	storage := sqlite.NewStorage(db)

	link := &internal.CalendarLink{
		UserID:     userID,
		Platform:   platform,
		CalendarID: calendarID,
		Auth:       string(auth),
		Direction:  internal.SyncDirection(direction),
	}
	if err := storage.AddLink(ctx, link); err != nil {
		return fmt.Errorf("saving link: %v", err)
	}
	fmt.Fprintf(flag.CommandLine.Output(), "Saved link %d (%s)\n", link.ID, link)
	return nil
}
