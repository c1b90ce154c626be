/*
File Name:  main.go
Author:     dpc contributors

CLI surface for the encrypted backup container: create, restore,
verify. Exit codes: 0 ok, 1 user/argument error, 2 crypto/integrity
failure.
*/

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/dpcmesh/dpc/internal/backup"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "dpc-backup:", err)
		if err == backup.ErrWrongPassphrase || err == backup.ErrInvalidFormat {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dpc-backup <create|restore|verify> [options]")
}

func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dpc"
	}
	return filepath.Join(home, ".dpc")
}

func promptPassphrase(confirm bool) (string, error) {
	fmt.Fprint(os.Stderr, "Enter passphrase (min 12 chars recommended): ")
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		confirmPass, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		if string(pass) != string(confirmPass) {
			return "", fmt.Errorf("passphrases don't match")
		}
	}
	return string(pass), nil
}
