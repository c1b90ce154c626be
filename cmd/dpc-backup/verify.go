package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dpcmesh/dpc/internal/backup"
)

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	input := fs.String("input", "", "path to the backup file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return fmt.Errorf("verify requires --input")
	}

	bundle, err := os.ReadFile(*input)
	if err != nil {
		return err
	}

	meta, err := backup.Verify(bundle)
	if err != nil {
		return err
	}

	fmt.Printf("valid backup: version=%d device=%q created=%s files=%d size=%d bytes\n",
		meta.Version, meta.DeviceName, meta.Timestamp.Format("2006-01-02 15:04:05"), meta.NumFiles, len(bundle))
	return nil
}
