package importer_test

import (
	"context"
	"fmt"
	"log"

	"github.com/steveyegge/docsync/internal/importer"
	"github.com/steveyegge/docsync/internal/store"
)

// This example imports a directory of <docid>.json files once.
// Note: This is for documentation only and won't run as a test.
func ExampleImporter_ImportAll() {
	st, err := store.Open("docsync.db")
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	im, err := importer.New(st, "docs/")
	if err != nil {
		log.Fatal(err)
	}

	stats, err := im.ImportAll(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%d files, %d updated\n", stats.Files, stats.Updated)
}

// This example keeps importing until the context is cancelled.
func ExampleImporter_Run() {
	st, err := store.Open("docsync.db")
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	im, err := importer.New(st, "docs/")
	if err != nil {
		log.Fatal(err)
	}
	im.OnImport(func(docID string, action importer.Action, err error) {
		if err == nil {
			fmt.Println(docID, action)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := im.Run(ctx); err != nil {
		log.Fatal(err)
	}
}
