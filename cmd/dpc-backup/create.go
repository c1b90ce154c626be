package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dpcmesh/dpc/internal/backup"
)

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	output := fs.String("output", "", "output path for the backup file (default: ~/dpc_backup_<timestamp>.dpc)")
	dpcDir := fs.String("dpc-dir", "", "path to the .dpc directory (default: ~/.dpc)")
	deviceName := fs.String("device-name", "", "optional device identifier stored in backup metadata")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir := *dpcDir
	if dir == "" {
		dir = defaultHomeDir()
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf(".dpc directory not found: %s", dir)
	}

	passphrase, err := promptPassphrase(true)
	if err != nil {
		return err
	}

	bundle, err := backup.Create(dir, passphrase, *deviceName)
	if err != nil {
		return err
	}

	out := *output
	if out == "" {
		out = filepath.Join(filepath.Dir(defaultHomeDir()), fmt.Sprintf("dpc_backup_%s.dpc", time.Now().UTC().Format("20060102_150405")))
	}

	if err := os.WriteFile(out, bundle, 0600); err != nil {
		return err
	}

	fmt.Printf("backup created: %s (%d bytes)\n", out, len(bundle))
	return nil
}
