// klstore: CLI for the key/log store.
// Commands: create-keyspace, keyspace-info, key-info, append, read.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/klstore/klstore/internal/config"
	"github.com/klstore/klstore/internal/metrics"
	"github.com/klstore/klstore/internal/naming"
	"github.com/klstore/klstore/internal/objstore"
	"github.com/klstore/klstore/internal/store"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: klstore [-config FILE] COMMAND [ARGS]

commands:
  create-keyspace KEYSPACE
  keyspace-info   KEYSPACE
  key-info        KEYSPACE KEY
  append          KEYSPACE KEY PAYLOAD...
  read            KEYSPACE KEY [-backward] [-offset N] [-timestamp MS]
                  [-nonce N] [-token TOKEN] [-limit N]
`)
	os.Exit(2)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "klstore:", err)
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "", "config file path (default $KLSTORE_CONFIG or klstore.yaml)")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	ctx := context.Background()
	met := metrics.New()
	s3, err := objstore.NewS3(ctx, cfg.S3())
	if err != nil {
		fatal(err)
	}
	client := objstore.NewRetryable(objstore.WithMetrics(s3, met), objstore.DefaultRetryConfig(), met)

	switch args[0] {
	case "create-keyspace":
		if len(args) != 2 {
			usage()
		}
		w := store.NewWriter(client, cfg.WriterConfig())
		if err := w.CreateKeyspace(ctx, args[1]); err != nil {
			fatal(err)
		}
		fmt.Println("created", args[1])
	case "keyspace-info":
		if len(args) != 2 {
			usage()
		}
		r := store.NewReader(client, cfg.ReaderConfig(), met)
		md, err := r.ReadKeyspaceMetadata(ctx, args[1])
		if err != nil {
			fatal(err)
		}
		t := newTable()
		t.AppendHeader(table.Row{"Keyspace", "Created", "Version"})
		t.AppendRow(table.Row{args[1], time.UnixMilli(md.CreatedAtMillis).UTC().Format(time.RFC3339), md.Version})
		t.Render()
	case "key-info":
		if len(args) != 3 {
			usage()
		}
		r := store.NewReader(client, cfg.ReaderConfig(), met)
		md, err := r.ReadKeyMetadata(ctx, args[1], args[2])
		if err != nil {
			fatal(err)
		}
		if md == nil {
			fmt.Println("key has no committed records")
			return
		}
		t := newTable()
		t.AppendHeader(table.Row{"First Offset", "Last Offset", "Records", "Objects", "Last Nonce", "Last Timestamp"})
		t.AppendRow(table.Row{
			md.FirstOffset, md.LastOffset, md.RecordCount, md.ObjectCount,
			md.LastNonce.String(), time.UnixMilli(md.LastTimestamp).UTC().Format(time.RFC3339),
		})
		t.Render()
	case "append":
		if len(args) < 4 {
			usage()
		}
		w := store.NewWriter(client, cfg.WriterConfig())
		var ins []store.Insertion
		for _, payload := range args[3:] {
			ins = append(ins, store.Insertion{Payload: []byte(payload)})
		}
		if err := w.Append(ctx, args[1], args[2], ins); err != nil {
			fatal(err)
		}
		if err := w.FlushKey(ctx, args[1], args[2]); err != nil {
			fatal(err)
		}
		fmt.Printf("appended %d records\n", len(ins))
	case "read":
		runRead(ctx, client, cfg, met, args[1:])
	default:
		usage()
	}
}

func runRead(ctx context.Context, client objstore.Client, cfg *config.Config, met *metrics.Metrics, args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	backward := fs.Bool("backward", false, "iterate backward")
	offset := fs.Uint64("offset", 0, "seek to offset")
	timestamp := fs.Int64("timestamp", 0, "seek to timestamp (epoch millis)")
	nonce := fs.String("nonce", "", "seek to nonce (decimal)")
	token := fs.String("token", "", "resume from continuation token")
	limit := fs.Uint64("limit", 0, "page size (default from config)")
	if len(args) < 2 {
		usage()
	}
	keyspace, key := args[0], args[1]
	if err := fs.Parse(args[2:]); err != nil {
		fatal(err)
	}

	dir := store.Forward
	start := store.Earliest()
	if *backward {
		dir = store.Backward
		start = store.Latest()
	}
	seeks := 0
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "offset":
			start = store.AtOffset(*offset)
			seeks++
		case "timestamp":
			start = store.AtTimestamp(*timestamp)
			seeks++
		case "nonce":
			n, err := naming.ParseNonce(*nonce)
			if err != nil {
				fatal(err)
			}
			start = store.AtNonce(n)
			seeks++
		case "token":
			start = store.Continue(*token)
			seeks++
		}
	})
	if seeks > 1 {
		fatal(fmt.Errorf("at most one of -offset, -timestamp, -nonce, -token"))
	}

	r := store.NewReader(client, cfg.ReaderConfig(), met)
	page, err := r.ReadPage(ctx, keyspace, key, dir, start, *limit)
	if err != nil {
		fatal(err)
	}

	t := newTable()
	t.AppendHeader(table.Row{"Offset", "Timestamp", "Nonce", "Payload"})
	for _, rec := range page.Records {
		t.AppendRow(table.Row{rec.Offset, rec.Timestamp, rec.Nonce.String(), string(rec.Payload)})
	}
	t.Render()
	if page.Continuation != "" {
		fmt.Println("continuation:", page.Continuation)
	}
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}
