// boardviz inspects a dumped board document: it prints the change log and
// the flattened object/stroke counts, and renders the change DAG to SVG.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"

	"github.com/xnscdev/techboard/internal/board"
	"github.com/xnscdev/techboard/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the board dump to read")
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := automerge.Load(buff)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	b, err := board.Load(buff)
	if err != nil {
		return fmt.Errorf("failed to load board: %w", err)
	}
	buff = nil

	snap := b.Snapshot()
	slog.Info("loaded board", "objects", len(snap.Objects), "strokes", len(snap.Strokes))
	slog.Info("loaded heads", "heads", doc.Heads())
	for _, obj := range snap.Objects {
		slog.Info("object", "id", obj.ObjectID(), "type", obj.Type())
	}

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}

	svgPath, err := viz.RenderToTemp(doc)
	if err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	slog.Info("rendered", "path", "file://"+svgPath)
	return nil
}
