// Command evolu-cli manages the password-protected mnemonic file a
// desktop or server application keeps alongside its Evolu database:
// init creates one, show-mnemonic reveals the mnemonic for backup, and restore
// re-derives an AppOwner from a mnemonic typed in by hand.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/evolu-sh/evolu-core/internal/owner"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage()
		return 1
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "init":
		return cmdInit(rest)
	case "show-mnemonic":
		return cmdShowMnemonic(rest)
	case "restore":
		return cmdRestore(rest)
	case "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "evolu-cli: unknown command %q\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Println(`evolu-cli - manage a password-protected AppOwner mnemonic

Usage: evolu-cli <command> [options]

Commands:
  init           Generate a fresh AppOwner and store its mnemonic, password-protected
  show-mnemonic  Decrypt and print the stored mnemonic, for writing down as a backup
  restore        Derive an AppOwner from a mnemonic typed in at the prompt, and store it
  help           Show this help`)
}

func cmdInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	dir := fs.String("dir", ".", "directory to store the password-wrapped mnemonic in")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store := owner.NewFileMnemonicStore(*dir)
	if store.IsInitialized() {
		fmt.Println("evolu-cli: a mnemonic is already stored in this directory")
		return 1
	}

	o, err := owner.CreateAppOwner()
	if err != nil {
		fmt.Fprintf(os.Stderr, "evolu-cli: generate app owner: %v\n", err)
		return 2
	}

	password, err := promptNewPassword()
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nevolu-cli: %v\n", err)
		return 1
	}
	if err := store.Initialize(password, o.Mnemonic); err != nil {
		fmt.Fprintf(os.Stderr, "evolu-cli: %v\n", err)
		return 2
	}

	fmt.Printf("\nAppOwner %s initialized. Mnemonic stored, password-protected, in %s.\n", o.ID, *dir)
	return 0
}

func cmdShowMnemonic(args []string) int {
	fs := flag.NewFlagSet("show-mnemonic", flag.ContinueOnError)
	dir := fs.String("dir", ".", "directory the password-wrapped mnemonic is stored in")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store := owner.NewFileMnemonicStore(*dir)
	if !store.IsInitialized() {
		fmt.Fprintln(os.Stderr, "evolu-cli: no mnemonic stored in this directory")
		return 1
	}

	fmt.Print("Password: ")
	password, err := readPassword()
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "evolu-cli: %v\n", err)
		return 1
	}

	mnemonic, err := store.Unlock(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evolu-cli: %v\n", err)
		return 1
	}
	fmt.Println(mnemonic)
	return 0
}

func cmdRestore(args []string) int {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	dir := fs.String("dir", ".", "directory to store the restored owner's password-wrapped mnemonic in")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	fmt.Print("Mnemonic: ")
	// Read the whole line (the mnemonic is several space-separated
	// words) one byte at a time, leaving the password lines unread.
	var line []byte
	b := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(b)
		if n == 1 && b[0] != '\n' {
			line = append(line, b[0])
		} else if n == 1 || (err == io.EOF && len(line) > 0) {
			break
		} else if err != nil {
			fmt.Fprintf(os.Stderr, "evolu-cli: read mnemonic: %v\n", err)
			return 1
		}
	}
	mnemonic := strings.TrimSpace(string(line))

	restored, err := owner.FromMnemonic(mnemonic)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evolu-cli: invalid mnemonic: %v\n", err)
		return 1
	}

	store := owner.NewFileMnemonicStore(*dir)
	if store.IsInitialized() {
		fmt.Fprintln(os.Stderr, "evolu-cli: a mnemonic is already stored in this directory")
		return 1
	}

	password, err := promptNewPassword()
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nevolu-cli: %v\n", err)
		return 1
	}
	if err := store.Initialize(password, restored.Mnemonic); err != nil {
		fmt.Fprintf(os.Stderr, "evolu-cli: %v\n", err)
		return 2
	}

	fmt.Printf("\nAppOwner %s restored and stored in %s.\n", restored.ID, *dir)
	return 0
}

func promptNewPassword() ([]byte, error) {
	fmt.Print("New password: ")
	p1, err := readPassword()
	fmt.Println()
	if err != nil {
		return nil, err
	}
	fmt.Print("Confirm password: ")
	p2, err := readPassword()
	fmt.Println()
	if err != nil {
		return nil, err
	}
	if string(p1) != string(p2) {
		return nil, fmt.Errorf("passwords do not match")
	}
	return p1, nil
}

func readPassword() ([]byte, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		var password string
		if _, err := fmt.Scanln(&password); err != nil {
			return nil, err
		}
		return []byte(password), nil
	}
	return term.ReadPassword(fd)
}
