package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"pagemapdb/pkg/config"
	"pagemapdb/pkg/metrics"
	"pagemapdb/pkg/pagedelta"
	"pagemapdb/pkg/store"
	"pagemapdb/pkg/types"
)

func main() {
	var (
		dir     = flag.String("dir", "", "storage root (temp dir when empty)")
		regions = flag.Int("regions", 4, "number of regions")
		rounds  = flag.Int("rounds", 50, "rounds per region")
		pages   = flag.Int("pages", 32, "dirty pages per round")
		spread  = flag.Int("spread", 4096, "page index space per region")
		workers = flag.Int("workers", 4, "parallel persist workers")
	)
	flag.Parse()

	root := *dir
	if root == "" {
		tmp, err := os.MkdirTemp("", "pagemapdb-bench")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		root = tmp
	}

	fmt.Println("=== pagemapdb benchmark ===")
	fmt.Printf("root=%s regions=%d rounds=%d pages/round=%d\n\n", root, *regions, *rounds, *pages)

	registry := metrics.NewRegistry()
	st, err := store.Open(config.StorageConfig{
		RootPath:       root,
		PersistWorkers: *workers,
	}, registry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}

	names := make([]string, *regions)
	for i := range names {
		names[i] = fmt.Sprintf("region-%03d", i)
		if err := st.CreateRegion(names[i]); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create region: %v\n", err)
			os.Exit(1)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	page := make([]byte, types.PageSize)

	started := time.Now()
	var deltaBytes int64
	for round := 0; round < *rounds; round++ {
		deltas := make(map[string]*pagedelta.Delta, len(names))
		for _, name := range names {
			delta := pagedelta.New()
			for p := 0; p < *pages; p++ {
				rng.Read(page)
				if err := delta.Put(uint64(rng.Intn(*spread)), page); err != nil {
					fmt.Fprintf(os.Stderr, "failed to build delta: %v\n", err)
					os.Exit(1)
				}
			}
			deltaBytes += int64(delta.Len()) * types.PageSize
			deltas[name] = delta
		}

		if err := st.PersistBatch(context.Background(), deltas); err != nil {
			fmt.Fprintf(os.Stderr, "persist failed: %v\n", err)
			os.Exit(1)
		}
	}
	elapsed := time.Since(started)

	snapshot := registry.Snapshot()
	written := snapshot[`storage_bytes_written_total{file=overlay}`] +
		snapshot[`storage_bytes_written_total{file=merge}`]

	fmt.Printf("persisted %d rounds x %d regions in %v\n", *rounds, *regions, elapsed)
	fmt.Printf("delta bytes:   %d\n", deltaBytes)
	fmt.Printf("written bytes: %.0f (amplification %.2fx)\n", written, written/float64(deltaBytes))
	fmt.Printf("merges:        %.0f\n",
		snapshot[`storage_merges_total{dst=overlay}`]+snapshot[`storage_merges_total{dst=checkpoint}`])

	infos, err := st.Regions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list regions: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nregion file sets:")
	for _, info := range infos {
		fmt.Printf("  %s: files=%d base=%v height=%d size=%d logical_pages=%d\n",
			info.Name, info.Files, info.HasBase, info.LastHeight, info.SizeBytes, info.LogicalPages)
	}

	fmt.Println("\n=== benchmark complete ===")
}
