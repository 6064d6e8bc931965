package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"chronik/pkg/logger"
	"chronik/pkg/models"
	"chronik/pkg/store"
)

// inspect dumps the raw records of a history cache DB for debugging.
func main() {
	var dbPath, ns, roomID string
	flag.StringVar(&dbPath, "db", "", "pebble DB path")
	flag.StringVar(&ns, "ns", "", "namespace filter: rooms|chunks|events|annotations|threads (empty for all)")
	flag.StringVar(&roomID, "room", "", "restrict chunks/annotations/threads to one room")
	flag.Parse()
	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "--db required")
		os.Exit(2)
	}
	logger.Init("error", "text")
	if err := store.Open(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to open %s: %v\n", dbPath, err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	prefixes := map[string]string{
		"rooms":       "room:",
		"chunks":      "chunk:",
		"events":      "event:",
		"annotations": "ann:",
		"threads":     "threadsum:",
	}
	if roomID != "" {
		prefixes["chunks"] = store.ChunkPrefix(roomID)
		prefixes["annotations"] = store.AnnRoomPrefix(roomID)
		prefixes["threads"] = store.ThreadSummaryPrefix(roomID)
	}
	var dump []string
	if ns != "" {
		p, ok := prefixes[ns]
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown namespace %q\n", ns)
			os.Exit(2)
		}
		dump = append(dump, p)
	} else {
		dump = append(dump, prefixes["rooms"], prefixes["chunks"], prefixes["events"], prefixes["annotations"], prefixes["threads"])
	}

	err := store.View(func(s *store.Snap) error {
		for _, p := range dump {
			if err := dumpPrefix(s, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dump failed: %v\n", err)
		os.Exit(1)
	}
}

func dumpPrefix(s *store.Snap, prefix string) error {
	return s.Prefix(prefix, func(key string, val []byte) error {
		switch {
		case strings.HasPrefix(key, "chunk:"):
			var c models.Chunk
			if json.Unmarshal(val, &c) == nil {
				fmt.Printf("%s\troom=%s events=%d state=%d lastF=%v lastB=%v thread=%q\n",
					key, c.RoomID, len(c.TimelineEvents), len(c.StateEventIDs),
					c.IsLastForward, c.IsLastBackward, c.RootThreadEventID)
				return nil
			}
		case strings.HasPrefix(key, "event:"):
			var ev models.Event
			if json.Unmarshal(val, &ev) == nil {
				fmt.Printf("%s\ttype=%s sender=%s ts=%d state=%v\n",
					key, ev.Type, ev.Sender, ev.OriginServerTS, ev.IsState())
				return nil
			}
		case strings.HasPrefix(key, "threadsum:"):
			var sum models.ThreadSummary
			if json.Unmarshal(val, &sum) == nil {
				fmt.Printf("%s\troot=%s count=%d latest=%s\n",
					key, sum.RootEventID, sum.NumberOfThreads, sum.LatestEventID)
				return nil
			}
		}
		fmt.Printf("%s\t%s\n", key, string(val))
		return nil
	})
}
