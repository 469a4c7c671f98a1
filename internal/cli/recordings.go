package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/openbuttnakedgang/holter/internal/store"
)

// --- Recordings Archive Commands ---

type RecCmd struct {
	List   RecListCmd   `cmd:"" help:"List archived recordings"`
	Show   RecShowCmd   `cmd:"" help:"Show details of a recording"`
	Import RecImportCmd `cmd:"" help:"Import a recording file into the archive"`
	Export RecExportCmd `cmd:"" help:"Export a recording to a file"`
}

func reportImport(hash string, isNew bool) {
	if isNew {
		fmt.Printf("Archived new recording: %s\n", store.ShortHash(hash))
	} else {
		fmt.Printf("Recording already archived: %s (added source)\n", store.ShortHash(hash))
	}
}

func (g *CLI) recordings() (*store.Store, error) {
	cfg, err := g.setup()
	if err != nil {
		return nil, err
	}
	s, err := openStores(cfg)
	if err != nil {
		return nil, err
	}
	return s.recordings, nil
}

type RecListCmd struct{}

func (c *RecListCmd) Run(globals *CLI) error {
	s, err := globals.recordings()
	if err != nil {
		return err
	}
	entries, err := s.List()
	if err != nil {
		return fmt.Errorf("failed to list recordings: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No recordings in archive.")
		fmt.Println("Archive one with: holter download --store <file>")
		return nil
	}

	fmt.Printf("Found %d recording(s):\n\n", len(entries))
	for _, e := range entries {
		fmt.Printf("  %s  %5d blocks  %3d bad  %4d events  %-14s  %s\n",
			store.ShortHash(e.Hash), e.Blocks, e.Invalid, e.Events,
			humanize.Time(e.CreatedAt), e.Device)
	}
	return nil
}

type RecShowCmd struct {
	Hash string `arg:"" help:"Recording hash (full or prefix)"`
}

func (c *RecShowCmd) Run(globals *CLI) error {
	s, err := globals.recordings()
	if err != nil {
		return err
	}
	hash, err := s.Resolve(c.Hash)
	if err != nil {
		return err
	}
	meta, err := s.GetMetadata(hash)
	if err != nil {
		return fmt.Errorf("failed to get metadata: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

type RecImportCmd struct {
	File string `arg:"" type:"existingfile" help:"Recording file"`
}

func (c *RecImportCmd) Run(globals *CLI) error {
	s, err := globals.recordings()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	hash, isNew, err := s.Import(data, store.Source{
		Timestamp: time.Now(),
		Method:    "import",
		Filename:  c.File,
	})
	if err != nil {
		return fmt.Errorf("failed to import: %w", err)
	}
	reportImport(hash, isNew)

	if meta, _ := s.GetMetadata(hash); meta != nil {
		fmt.Printf("  Blocks: %d (%d invalid)\n", meta.Blocks, meta.Invalid)
		fmt.Printf("  Seq:    %d..%d\n", meta.FirstSeq, meta.LastSeq)
		fmt.Printf("  Events: %d\n", meta.Events)
	}
	return nil
}

type RecExportCmd struct {
	Hash   string `arg:"" help:"Recording hash (full or prefix)"`
	Output string `arg:"" type:"path" help:"Output file path"`
}

func (c *RecExportCmd) Run(globals *CLI) error {
	s, err := globals.recordings()
	if err != nil {
		return err
	}
	hash, err := s.Resolve(c.Hash)
	if err != nil {
		return err
	}
	if err := s.Export(hash, c.Output); err != nil {
		return fmt.Errorf("failed to export: %w", err)
	}
	fmt.Printf("Exported %s to %s\n", store.ShortHash(hash), c.Output)
	return nil
}
