package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dpcmesh/dpc/internal/backup"
)

func runRestore(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	input := fs.String("input", "", "path to the backup file")
	target := fs.String("target", "", "directory to restore into (default: ~/.dpc)")
	force := fs.Bool("force", false, "overwrite an existing target directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return fmt.Errorf("restore requires --input")
	}

	bundle, err := os.ReadFile(*input)
	if err != nil {
		return err
	}

	passphrase, err := promptPassphrase(false)
	if err != nil {
		return err
	}

	targetDir := *target
	if targetDir == "" {
		targetDir = defaultHomeDir()
	}

	meta, err := backup.Restore(bundle, passphrase, targetDir, *force)
	if err != nil {
		return err
	}

	fmt.Printf("restored %d files from device %q (backed up %s) into %s\n", meta.NumFiles, meta.DeviceName, meta.Timestamp.Format("2006-01-02 15:04:05"), targetDir)
	return nil
}
