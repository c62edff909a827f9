// Command snapshotctl inspects and prunes a SQLite offline snapshot store.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"shellgate/internal/config"
	"shellgate/internal/snapshot"
	"shellgate/internal/snapshot/sqlite"
)

const usage = `usage: snapshotctl [-config FILE] [-db PATH] [-force] <command> [args]

commands:
  versions              list stored snapshot versions
  keys VERSION          list request keys stored in VERSION
  delete VERSION        delete one snapshot version
  purge KEEP            delete every version except KEEP

A running gateway keeps writing to its offline.version. Deleting that version
makes its writes fail until the gateway restarts. With -config, delete and
purge refuse to remove it unless -force is given.
`

// options carries the guard for the version a gateway is serving.
type options struct {
	live  string
	force bool
}

func main() {
	cfgPath := flag.String("config", "", "gateway config; protects its offline.version and supplies the store path")
	dbPath := flag.String("db", "", "path to the snapshot database (default ./data/snapshots.db)")
	force := flag.Bool("force", false, "allow deleting the version named in -config")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	opts := options{force: *force}
	path := *dbPath
	if *cfgPath != "" {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		opts.live = cfg.Offline.Version
		if path == "" {
			path = cfg.Offline.Store.Path
		}
	}
	if path == "" {
		path = "./data/snapshots.db"
	}

	store, err := sqlite.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, store, opts, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, store snapshot.Store, opts options, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command\n%s", usage)
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "versions":
		versions, err := store.Versions(ctx)
		if err != nil {
			return err
		}
		for _, v := range versions {
			fmt.Fprintln(out, v)
		}
		return nil

	case "keys":
		if len(rest) != 1 {
			return fmt.Errorf("keys requires VERSION")
		}
		versions, err := store.Versions(ctx)
		if err != nil {
			return err
		}
		if !contains(versions, rest[0]) {
			return fmt.Errorf("no snapshot %q", rest[0])
		}
		snap, err := store.Open(ctx, rest[0])
		if err != nil {
			return err
		}
		keys, err := snap.Keys(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(out, k)
		}
		return nil

	case "delete":
		if len(rest) != 1 {
			return fmt.Errorf("delete requires VERSION")
		}
		if err := opts.guard(rest[0]); err != nil {
			return err
		}
		ok, err := store.Delete(ctx, rest[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no snapshot %q", rest[0])
		}
		fmt.Fprintf(out, "deleted %s\n", rest[0])
		return nil

	case "purge":
		if len(rest) != 1 {
			return fmt.Errorf("purge requires KEEP")
		}
		if opts.live != "" && rest[0] != opts.live {
			if err := opts.guard(opts.live); err != nil {
				return err
			}
		}
		versions, err := store.Versions(ctx)
		if err != nil {
			return err
		}
		for _, v := range versions {
			if v == rest[0] {
				continue
			}
			if _, err := store.Delete(ctx, v); err != nil {
				return fmt.Errorf("delete %s: %w", v, err)
			}
			fmt.Fprintf(out, "deleted %s\n", v)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func (o options) guard(version string) error {
	if o.live != "" && version == o.live && !o.force {
		return fmt.Errorf("refusing to delete %q: it is the gateway's offline.version (use -force)", version)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
