package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/openbuttnakedgang/holter/internal/config"
	"github.com/openbuttnakedgang/holter/internal/firmware"
	"github.com/openbuttnakedgang/holter/internal/store"
)

type stores struct {
	firmware   *firmware.Store
	recordings *store.Store
}

func openStores(cfg config.Config) (stores, error) {
	root, err := cfg.CachePath()
	if err != nil {
		return stores{}, fmt.Errorf("resolve cache dir: %w", err)
	}
	fw, err := firmware.NewStore(firmware.DefaultPath(root))
	if err != nil {
		return stores{}, err
	}
	rec, err := store.Open(store.DefaultPath(root), cfg.File.BlockSize)
	if err != nil {
		return stores{}, fmt.Errorf("failed to open recordings archive: %w", err)
	}
	return stores{firmware: fw, recordings: rec}, nil
}

// confirm asks for a typed "yes" on stdin.
func confirm(prompt string) bool {
	fmt.Print(prompt + " (yes/no): ")
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	return strings.TrimSpace(answer) == "yes"
}

// --- DFU Commands ---

type DfuCmd struct {
	Write DfuWriteCmd `cmd:"" help:"Write a firmware image to the device"`
	Read  DfuReadCmd  `cmd:"" help:"Read the firmware image back from the device"`
}

type DfuWriteCmd struct {
	Image   string `arg:"" optional:"" type:"existingfile" help:"Firmware image file"`
	Version string `help:"Use this version from the firmware store instead of a file"`
	Yes     bool   `short:"y" help:"Do not ask for confirmation"`
}

func (c *DfuWriteCmd) Run(globals *CLI) error {
	if (c.Image == "") == (c.Version == "") {
		return fmt.Errorf("give either an image file or --version")
	}
	ctrl, done, err := globals.connected()
	if err != nil {
		return err
	}
	defer done()

	var image []byte
	if c.Version != "" {
		s, err := openStores(globals.cfg)
		if err != nil {
			return err
		}
		image, err = s.firmware.Get(c.Version)
		if err != nil {
			return err
		}
	} else {
		image, err = os.ReadFile(c.Image)
		if err != nil {
			return fmt.Errorf("failed to read firmware file: %w", err)
		}
	}

	fmt.Printf("Device:   %s\n", ctrl.Descriptor())
	fmt.Printf("Image:    %s\n", humanize.IBytes(uint64(len(image))))
	fmt.Println()
	fmt.Println("WARNING: Firmware update is a potentially dangerous operation!")
	fmt.Println("Do not disconnect the device during the update.")
	if !c.Yes && !confirm("Start firmware update?") {
		fmt.Println("Aborted.")
		return nil
	}

	err = ctrl.FirmwareDownload(globals.Context(), image, printProgress)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("firmware update failed in state %s: %w", ctrl.DFUState(), err)
	}
	fmt.Println("Firmware written. The device restarts into the new image.")
	return nil
}

type DfuReadCmd struct {
	Output string `arg:"" optional:"" type:"path" help:"Output file"`
	Save   string `help:"Also keep the image in the firmware store under this version"`
}

func (c *DfuReadCmd) Run(globals *CLI) error {
	if c.Output == "" && c.Save == "" {
		return fmt.Errorf("give an output file or --save")
	}
	ctrl, done, err := globals.connected()
	if err != nil {
		return err
	}
	defer done()

	image, err := ctrl.FirmwareUpload(globals.Context(), printProgress)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("firmware read failed in state %s: %w", ctrl.DFUState(), err)
	}
	if c.Output != "" {
		if err := os.WriteFile(c.Output, image, 0644); err != nil {
			return err
		}
		fmt.Printf("Saved %s to %s\n", humanize.IBytes(uint64(len(image))), c.Output)
	}
	if c.Save != "" {
		s, err := openStores(globals.cfg)
		if err != nil {
			return err
		}
		img, err := s.firmware.Save(c.Save, image)
		if err != nil {
			return err
		}
		fmt.Printf("Stored as %s (sha256 %s)\n", img.Version, img.SHA256[:12])
	}
	return nil
}

// --- Firmware Store Commands ---

type FwCmd struct {
	List      FwListCmd      `cmd:"" help:"List stored firmware images"`
	Import    FwImportCmd    `cmd:"" help:"Import a firmware image file"`
	Remove    FwRemoveCmd    `cmd:"" help:"Remove a stored image"`
	Available FwAvailableCmd `cmd:"" help:"List published releases"`
	Fetch     FwFetchCmd     `cmd:"" help:"Download a published release into the store"`
}

type FwListCmd struct{}

func (c *FwListCmd) Run(globals *CLI) error {
	cfg, err := globals.setup()
	if err != nil {
		return err
	}
	s, err := openStores(cfg)
	if err != nil {
		return err
	}
	images, err := s.firmware.List()
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	if len(images) == 0 {
		fmt.Println("No firmware images in store.")
		fmt.Println("Import one with: holter fw import <image.bin>")
		return nil
	}
	fmt.Printf("Found %d image(s) in %s:\n\n", len(images), s.firmware.Dir())
	for _, img := range images {
		fmt.Printf("  %-16s  %10s  %s  %s\n",
			img.Version,
			humanize.IBytes(uint64(img.Size)),
			img.SHA256[:12],
			humanize.Time(img.Modified))
	}
	return nil
}

type FwImportCmd struct {
	File string `arg:"" type:"existingfile" help:"Firmware image file"`
}

func (c *FwImportCmd) Run(globals *CLI) error {
	cfg, err := globals.setup()
	if err != nil {
		return err
	}
	s, err := openStores(cfg)
	if err != nil {
		return err
	}
	img, err := s.firmware.ImportFile(c.File)
	if err != nil {
		return fmt.Errorf("failed to import: %w", err)
	}
	fmt.Printf("Imported %s (%s, sha256 %s)\n", img.Version, humanize.IBytes(uint64(img.Size)), img.SHA256[:12])
	return nil
}

type FwRemoveCmd struct {
	Version string `arg:"" help:"Stored version"`
}

func (c *FwRemoveCmd) Run(globals *CLI) error {
	cfg, err := globals.setup()
	if err != nil {
		return err
	}
	s, err := openStores(cfg)
	if err != nil {
		return err
	}
	return s.firmware.Remove(c.Version)
}

type FwAvailableCmd struct{}

func (c *FwAvailableCmd) Run(globals *CLI) error {
	cfg, err := globals.setup()
	if err != nil {
		return err
	}
	releases, err := firmware.NewIndexClient(cfg.Firmware.IndexURL).Releases(globals.Context())
	if err != nil {
		return err
	}
	s, err := openStores(cfg)
	if err != nil {
		return err
	}
	for _, r := range releases {
		mark := " "
		if s.firmware.Has(r.Version, r.SHA256) {
			mark = "*"
		}
		fmt.Printf("%s %-16s  %10s  %s\n", mark, r.Version, humanize.IBytes(uint64(r.Size)), r.Created.Format(time.DateOnly))
	}
	return nil
}

type FwFetchCmd struct {
	Version string `arg:"" optional:"" help:"Release version (default: latest)"`
}

func (c *FwFetchCmd) Run(globals *CLI) error {
	cfg, err := globals.setup()
	if err != nil {
		return err
	}
	index := firmware.NewIndexClient(cfg.Firmware.IndexURL)
	var r *firmware.Release
	if c.Version == "" {
		r, err = index.Latest(globals.Context())
	} else {
		r, err = index.Find(globals.Context(), c.Version)
	}
	if err != nil {
		return err
	}
	s, err := openStores(cfg)
	if err != nil {
		return err
	}
	img, err := s.firmware.Fetch(globals.Context(), *r, printProgress)
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("Stored %s at %s\n", img.Version, img.Path)
	return nil
}
