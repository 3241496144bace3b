// sstorecli is an administrative REPL for sstore files.
//
// Usage:
//
//	sstorecli --path <store-file> [--readonly]
//
// Commands (in REPL):
//
//	put <key> <value>            Store value under key
//	get <key>                    Retrieve and print a value
//	slice <key> <offset> <len>   Retrieve a byte range of a value
//	size <key>                   Print the length of a value
//	contains <key>               Report whether key is present
//	remove <key>                 Delete an entry
//	list [limit]                 List live keys
//	flush                        Force durability of writes so far
//	stats                        Show operation counters
//	migrate <dir>                Convert a legacy folder layout in place
//	export <file> [--compress]   Dump every live key/value to a file
//	help                         Show this help
//	exit / quit / q              Exit
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/sstore/internal/config"
	"github.com/calvinalkan/sstore/pkg/sstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("sstorecli", flag.ExitOnError)

	path := fs.StringP("path", "p", "", "store file or legacy folder path")
	readOnly := fs.BoolP("readonly", "r", false, "open a read-only snapshot")
	configPath := fs.String("config", "", "explicit config file path")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sstorecli --path <store-file> [--readonly]\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	cfg, err := config.Load(workDir, *configPath, os.Environ())
	if err != nil {
		return err
	}

	if *path == "" {
		*path = cfg.StorePath
	}

	if *path == "" {
		fs.Usage()
		return errors.New("missing --path")
	}

	logger, err := zap.NewDevelopmentConfig().Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	st, err := sstore.Open(sstore.Options{
		Path:     *path,
		ReadOnly: *readOnly,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	repl := &REPL{store: st, path: *path, readOnly: *readOnly}

	return repl.Run()
}

// REPL is the interactive command loop.
type REPL struct {
	store    *sstore.Store
	path     string
	readOnly bool
	liner    *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".sstorecli_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f) //nolint:errcheck
		f.Close()
	}

	fmt.Printf("sstorecli - %s (readonly=%v)\n", r.path, r.readOnly)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("sstore> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil
		case "help", "?":
			r.printHelp()
		case "put":
			r.cmdPut(args)
		case "get":
			r.cmdGet(args)
		case "slice":
			r.cmdSlice(args)
		case "size":
			r.cmdSize(args)
		case "contains":
			r.cmdContains(args)
		case "remove", "del", "delete":
			r.cmdRemove(args)
		case "list", "ls":
			r.cmdList(args)
		case "flush":
			r.cmdFlush()
		case "stats":
			r.cmdStats()
		case "migrate":
			r.cmdMigrate(args)
		case "export":
			r.cmdExport(args)
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f) //nolint:errcheck
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"put", "get", "slice", "size", "contains", "remove", "del", "delete",
		"list", "ls", "flush", "stats", "migrate", "export",
		"help", "exit", "quit", "q",
	}

	var out []string

	lower := strings.ToLower(line)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}

	return out
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  put <key> <value>            Store value under key")
	fmt.Println("  get <key>                    Retrieve and print a value")
	fmt.Println("  slice <key> <offset> <len>   Retrieve a byte range of a value")
	fmt.Println("  size <key>                   Print the length of a value")
	fmt.Println("  contains <key>               Report whether key is present")
	fmt.Println("  remove <key>                 Delete an entry")
	fmt.Println("  list [limit]                 List live keys")
	fmt.Println("  flush                        Force durability of writes so far")
	fmt.Println("  stats                        Show operation counters")
	fmt.Println("  migrate <dir>                Convert a legacy folder layout in place")
	fmt.Println("  export <file> [--compress]   Dump every live key/value to a file")
	fmt.Println("  help                         Show this help")
	fmt.Println("  exit / quit / q              Exit")
}

func (r *REPL) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: put <key> <value>")
		return
	}

	if err := r.store.Add(args[0], []byte(strings.Join(args[1:], " "))); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("OK: put %q\n", args[0])
}

func (r *REPL) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: get <key>")
		return
	}

	v, ok, err := r.store.Get(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if !ok {
		fmt.Println("(not found)")
		return
	}

	fmt.Printf("%s\n", formatValue(v))
}

func (r *REPL) cmdSlice(args []string) {
	if len(args) < 3 {
		fmt.Println("Usage: slice <key> <offset> <len>")
		return
	}

	offset, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing offset: %v\n", err)
		return
	}

	length, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing length: %v\n", err)
		return
	}

	v, ok, err := r.store.GetSlice(args[0], offset, length)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if !ok {
		fmt.Println("(not found)")
		return
	}

	fmt.Printf("%s\n", formatValue(v))
}

func (r *REPL) cmdSize(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: size <key>")
		return
	}

	n, ok, err := r.store.GetSize(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if !ok {
		fmt.Println("(not found)")
		return
	}

	fmt.Println(n)
}

func (r *REPL) cmdContains(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: contains <key>")
		return
	}

	fmt.Println(r.store.Contains(args[0]))
}

func (r *REPL) cmdRemove(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: remove <key>")
		return
	}

	existed, err := r.store.Remove(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if existed {
		fmt.Printf("OK: removed %q\n", args[0])
	} else {
		fmt.Printf("OK: %q did not exist\n", args[0])
	}
}

func (r *REPL) cmdList(args []string) {
	limit := 20

	if len(args) >= 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Printf("Error parsing limit: %v\n", err)
			return
		}

		limit = n
	}

	entries := r.store.List()
	if len(entries) == 0 {
		fmt.Println("(empty)")
		return
	}

	for i, e := range entries {
		if i >= limit {
			fmt.Printf("... (showing first %d of %d)\n", limit, len(entries))
			break
		}

		fmt.Printf("%3d. %-32s %d bytes\n", i+1, e.Key, e.Length)
	}
}

func (r *REPL) cmdFlush() {
	if err := r.store.Flush(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("OK: flushed")
}

func (r *REPL) cmdStats() {
	s := r.store.Stats()

	fmt.Printf("Add:                %d\n", s.CountAdd)
	fmt.Printf("Get:                %d\n", s.CountGet)
	fmt.Printf("GetInvalidKey:      %d\n", s.CountGetInvalidKey)
	fmt.Printf("GetSlice:           %d\n", s.CountGetSlice)
	fmt.Printf("GetStream:          %d\n", s.CountGetStream)
	fmt.Printf("Contains:           %d\n", s.CountContains)
	fmt.Printf("Remove:             %d\n", s.CountRemove)
	fmt.Printf("RemoveInvalidKey:   %d\n", s.CountRemoveInvalidKey)
	fmt.Printf("List:               %d\n", s.CountList)
	fmt.Printf("Flush:              %d\n", s.CountFlush)
	fmt.Printf("LatestKeyAdded:     %q\n", s.LatestKeyAdded)
	fmt.Printf("LatestKeyFlushed:   %q\n", s.LatestKeyFlushed)
	fmt.Printf("State:              %s\n", r.store.State())
	fmt.Printf("UsedBytes:          %d\n", r.store.GetUsedBytes())
	fmt.Printf("ReservedBytes:      %d\n", r.store.GetReservedBytes())
}

func (r *REPL) cmdMigrate(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: migrate <legacy-folder>")
		return
	}

	dst, err := sstore.Open(sstore.Options{Path: args[0]})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	defer dst.Close()

	fmt.Printf("OK: migrated %s (%d keys)\n", args[0], len(dst.List()))
}

func (r *REPL) cmdExport(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: export <file> [--compress]")
		return
	}

	compress := false

	out := args[0]
	for _, a := range args[1:] {
		if a == "--compress" {
			compress = true
		}
	}

	f, err := os.Create(out) //nolint:gosec // operator-controlled path
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer f.Close()

	var w io.Writer = f

	if compress {
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		defer enc.Close()

		w = enc
	}

	entries := r.store.List()

	for _, e := range entries {
		v, ok, err := r.store.Get(e.Key)
		if err != nil || !ok {
			continue
		}

		fmt.Fprintf(w, "%s\t%s\n", e.Key, hex.EncodeToString(v))
	}

	fmt.Printf("OK: exported %d keys to %s (compressed=%v)\n", len(entries), out, compress)
}

// formatValue renders a value as UTF-8 text when printable, hex otherwise.
func formatValue(v []byte) string {
	printable := true

	for _, b := range v {
		if b != '\n' && b != '\t' && (b < 32 || b > 126) {
			printable = false
			break
		}
	}

	if printable {
		return string(v)
	}

	return hex.EncodeToString(v)
}
