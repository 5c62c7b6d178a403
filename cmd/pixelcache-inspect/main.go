package main

// main.go implements the pixelcache inspector CLI: it opens a cache
// directory offline, loads the index, and prints entry statistics either as
// pretty text or JSON.  Useful for post-mortem analysis of a viewer's
// persistent cache without attaching to a running process.
//
// Usage:
//   pixelcache-inspect [--dir PATH] [--json] [--entries] [--compact]
//
// Build-time flag: `-ldflags "-X main.version=vX.Y.Z"` is set by the release
// pipeline.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pixelcache/pixelcache/internal/store"
	"github.com/pixelcache/pixelcache/rfb"
)

var version = "dev"

type options struct {
	dir         string
	jsonOut     bool
	listEntries bool
	compact     bool
	showVersion bool
}

func parseFlags() *options {
	opts := &options{}
	defaultDir := ""
	if base, err := os.UserCacheDir(); err == nil {
		defaultDir = filepath.Join(base, "pixelcache")
	}
	pflag.StringVar(&opts.dir, "dir", defaultDir, "cache directory to inspect")
	pflag.BoolVar(&opts.jsonOut, "json", false, "emit JSON instead of text")
	pflag.BoolVar(&opts.listEntries, "entries", false, "list every index entry")
	pflag.BoolVar(&opts.compact, "compact", false, "compact fragmented shards before reporting")
	pflag.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	pflag.Parse()
	return opts
}

type shardSummary struct {
	Shard   uint16 `json:"shard"`
	Entries int    `json:"entries"`
	Bytes   uint64 `json:"bytes"`
}

type snapshot struct {
	Dir         string         `json:"dir"`
	Entries     int            `json:"entries"`
	LiveBytes   uint64         `json:"live_bytes"`
	ColdEntries int            `json:"cold_entries"`
	Lossy       int            `json:"lossy_entries"`
	Shards      []shardSummary `json:"shards"`
	Reclaimed   uint64         `json:"reclaimed_bytes,omitempty"`
}

func main() {
	opts := parseFlags()
	if opts.showVersion {
		fmt.Println(version)
		return
	}
	if opts.dir == "" {
		fatal(fmt.Errorf("no cache directory given"))
	}

	st, err := store.Open(opts.dir, uint64(64)<<20, zap.NewNop())
	if err != nil {
		fatal(err)
	}
	defer st.Close()
	if err := st.LoadIndex(); err != nil {
		fatal(err)
	}

	snap := snapshot{Dir: opts.dir, Entries: st.Len(), LiveBytes: st.DiskUsage()}

	perShard := make(map[uint16]*shardSummary)
	st.ForEach(func(key rfb.CacheKey, e store.IndexEntry) {
		if e.Cold {
			snap.ColdEntries++
		}
		if store.QualityIsLossy(e.QualityCode) {
			snap.Lossy++
		}
		s := perShard[e.ShardID]
		if s == nil {
			s = &shardSummary{Shard: e.ShardID}
			perShard[e.ShardID] = s
		}
		s.Entries++
		s.Bytes += uint64(e.Size)
	})
	for _, s := range perShard {
		snap.Shards = append(snap.Shards, *s)
	}
	sort.Slice(snap.Shards, func(i, j int) bool {
		return snap.Shards[i].Shard < snap.Shards[j].Shard
	})

	if opts.compact {
		reclaimed, err := st.Compact()
		if err != nil {
			fatal(err)
		}
		snap.Reclaimed = reclaimed
		if err := st.SaveIndex(); err != nil {
			fatal(err)
		}
	}

	if opts.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			fatal(err)
		}
	} else {
		prettyPrint(snap)
	}

	if opts.listEntries {
		listEntries(st)
	}
}

func prettyPrint(s snapshot) {
	fmt.Printf("Cache dir: %s\n", s.Dir)
	fmt.Printf("Entries:   %d (%d cold, %d lossy)\n", s.Entries, s.ColdEntries, s.Lossy)
	fmt.Printf("Live MB:   %.2f\n", float64(s.LiveBytes)/1_048_576)
	for _, sh := range s.Shards {
		fmt.Printf("  shard %04d: %5d entries %8.2f MB\n",
			sh.Shard, sh.Entries, float64(sh.Bytes)/1_048_576)
	}
	if s.Reclaimed > 0 {
		fmt.Printf("Reclaimed: %.2f MB\n", float64(s.Reclaimed)/1_048_576)
	}
}

func listEntries(st *store.Store) {
	type row struct {
		key rfb.CacheKey
		e   store.IndexEntry
	}
	var rows []row
	st.ForEach(func(key rfb.CacheKey, e store.IndexEntry) {
		rows = append(rows, row{key, e})
	})
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].e.ShardID != rows[j].e.ShardID {
			return rows[i].e.ShardID < rows[j].e.ShardID
		}
		return rows[i].e.Offset < rows[j].e.Offset
	})
	for _, r := range rows {
		fmt.Printf("%s shard=%04d off=%-10d size=%-8d %dx%d bpp=%d q=%d cold=%v\n",
			r.key, r.e.ShardID, r.e.Offset, r.e.Size,
			r.e.Width, r.e.Height, r.e.Format.BPP, r.e.QualityCode, r.e.Cold)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "pixelcache-inspect:", err)
	os.Exit(1)
}
