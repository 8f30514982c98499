package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/cqkv/zonedb"
	"github.com/cqkv/zonedb/model"
)

func main() {
	dir := flag.String("dir", "./zonedb-data", "database directory")
	zones := flag.Int("zones", 1, "number of zones")
	maxFileBytes := flag.Uint64("max-file-bytes", 256<<20, "live file size ceiling")
	flag.Parse()

	db, err := zonedb.Open(*dir,
		zonedb.WithNumZones(*zones),
		zonedb.WithMaxFileBytes(*maxFileBytes),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	fmt.Printf("Opened %s with %d zone(s)\n", *dir, *zones)
	fmt.Println("Type commands. 'help' for information or 'exit' to quit.")

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")

		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println("input error:", err)
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" {
			return
		}

		args, err := shellquote.Split(line)
		if err != nil {
			fmt.Println("parse error:", err)
			continue
		}
		if err = execute(db, args); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func execute(db *zonedb.DB, args []string) error {
	switch strings.ToLower(args[0]) {
	case "help":
		fmt.Println(`put <key> <value>
get <key>
del <key>
keys
sync
stats
gc on|off|auto|manual
collect <zone> <fnum>
health`)
	case "put":
		if len(args) != 3 {
			return fmt.Errorf("usage: put <key> <value>")
		}
		return db.Put([]byte(args[1]), []byte(args[2]))
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: get <key>")
		}
		value, err := db.Get([]byte(args[1]))
		if err != nil {
			return err
		}
		fmt.Println(string(value))
	case "del":
		if len(args) != 2 {
			return fmt.Errorf("usage: del <key>")
		}
		return db.Delete([]byte(args[1]))
	case "keys":
		keys, err := db.Keys()
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(string(k))
		}
		fmt.Printf("(%d keys)\n", len(keys))
	case "sync":
		return db.Sync()
	case "stats":
		stats, err := db.Stats()
		if err != nil {
			return err
		}
		for _, zs := range stats {
			fmt.Printf("zone %d: %d bytes\n", zs.Zone, zs.TotalBytes)
			for _, f := range zs.Files {
				fmt.Printf("  file %09d: data=%d index=%d stale=%d live=%v gc=%v readers=%d\n",
					f.Fnum, f.DataBytes, f.IndexBytes, f.StaleBytes, f.Live, f.GcActive, f.Readers)
			}
		}
	case "gc":
		if len(args) != 2 {
			return fmt.Errorf("usage: gc on|off|auto|manual")
		}
		switch args[1] {
		case "on":
			return db.SetGc(true)
		case "off":
			return db.SetGc(false)
		case "auto":
			return db.SetAutoGc(true)
		case "manual":
			return db.SetAutoGc(false)
		default:
			return fmt.Errorf("usage: gc on|off|auto|manual")
		}
	case "collect":
		if len(args) != 3 {
			return fmt.Errorf("usage: collect <zone> <fnum>")
		}
		z, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		fnum, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return err
		}
		return db.CollectFile(z, model.FileNum(fnum))
	case "health":
		dead := db.DeadWorkers()
		pinged, silent := db.Unresponsive(time.Second)
		fmt.Printf("pinged %d workers, %d silent, %d dead\n", pinged, len(silent), len(dead))
		for _, id := range silent {
			fmt.Printf("  silent: %v\n", id)
		}
		for _, id := range dead {
			fmt.Printf("  dead:   %v\n", id)
		}
	default:
		return fmt.Errorf("unknown command %q, try 'help'", args[0])
	}
	return nil
}
