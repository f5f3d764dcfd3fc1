// Command sshmux-knownhosts inspects and edits OpenSSH known_hosts files.
//
// Usage:
//
//	sshmux-knownhosts [-file path] [-v] list
//	sshmux-knownhosts [-file path] [-v] check <host[:port]> <key.pub>
//	sshmux-knownhosts [-file path] [-v] add [-hash] <host[:port]> <key.pub>
//	sshmux-knownhosts hash <host[:port]>
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	xknownhosts "golang.org/x/crypto/ssh/knownhosts"

	"github.com/getlantern/sshmux/knownhosts"
)

func main() {
	flags := flag.NewFlagSet("sshmux-knownhosts", flag.ExitOnError)
	file := flags.String("file", defaultFile(), "known_hosts file")
	verbose := flags.Bool("v", false, "log debug output")
	flags.Usage = func() { printUsage(flags) }
	_ = flags.Parse(os.Args[1:])

	log := zap.NewNop()
	if *verbose {
		var err error
		if log, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
			os.Exit(1)
		}
	}
	defer func() { _ = log.Sync() }()

	args := flags.Args()
	if len(args) == 0 {
		printUsage(flags)
		os.Exit(2)
	}

	store := knownhosts.New(knownhosts.WithLogger(log))
	var err error
	switch args[0] {
	case "list":
		err = list(store, *file)
	case "check":
		err = check(store, *file, args[1:])
	case "add":
		err = add(store, *file, args[1:])
	case "hash":
		err = hash(args[1:])
	case "help":
		printUsage(flags)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage(flags)
		os.Exit(2)
	}
	if err != nil {
		log.Debug("command failed", zap.String("command", args[0]), zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "known_hosts"
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func printUsage(flags *flag.FlagSet) {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  sshmux-knownhosts [flags] list                          - List entries")
	fmt.Fprintln(os.Stderr, "  sshmux-knownhosts [flags] check <host[:port]> <key.pub> - Check a host key")
	fmt.Fprintln(os.Stderr, "  sshmux-knownhosts [flags] add [-hash] <host[:port]> <key.pub> - Trust a host key")
	fmt.Fprintln(os.Stderr, "  sshmux-knownhosts hash <host[:port]>                    - Print the hashed name")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Flags:")
	flags.PrintDefaults()
}

func load(store *knownhosts.Store, file string) error {
	if _, err := store.ReadFile(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func list(store *knownhosts.Store, file string) error {
	if err := load(store, file); err != nil {
		return err
	}
	for _, e := range store.Entries() {
		name := e.Name()
		if e.NameType() == knownhosts.NameSHA1 {
			name = "(hashed)"
		}
		keyType := e.KeyType().String()
		if e.KeyType() == knownhosts.KeyRSA1 {
			keyType = "rsa1"
		}
		fmt.Printf("%-40s %s\n", name, keyType)
	}
	return nil
}

func readKey(path string) (ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key %s: %w", path, err)
	}
	return key, nil
}

func check(store *knownhosts.Store, file string, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: check <host[:port]> <key.pub>")
	}
	if err := load(store, file); err != nil {
		return err
	}
	key, err := readKey(args[1])
	if err != nil {
		return err
	}
	host := xknownhosts.Normalize(args[0])
	result, _ := store.Check(host, key.Marshal(), knownhosts.NamePlain, knownhosts.KeyRaw)
	fmt.Printf("%s: %s\n", host, result)
	if result != knownhosts.CheckMatch {
		os.Exit(3)
	}
	return nil
}

func add(store *knownhosts.Store, file string, args []string) error {
	flags := flag.NewFlagSet("add", flag.ExitOnError)
	hashed := flags.Bool("hash", false, "store the host name hashed")
	_ = flags.Parse(args)
	if flags.NArg() != 2 {
		return errors.New("usage: add [-hash] <host[:port]> <key.pub>")
	}
	if err := load(store, file); err != nil {
		return err
	}
	key, err := readKey(flags.Arg(1))
	if err != nil {
		return err
	}

	name := xknownhosts.Normalize(flags.Arg(0))
	result, _ := store.Check(name, key.Marshal(), knownhosts.NamePlain, knownhosts.KeyRaw)
	if result == knownhosts.CheckMatch {
		fmt.Printf("%s: already trusted\n", name)
		return nil
	}
	if *hashed {
		if name, err = knownhosts.HashHostname(name, nil); err != nil {
			return err
		}
	}
	line := name + " " + strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
	if err := store.ReadLine(line); err != nil {
		return err
	}
	return store.WriteFile(file)
}

func hash(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: hash <host[:port]>")
	}
	name, err := knownhosts.HashHostname(xknownhosts.Normalize(args[0]), nil)
	if err != nil {
		return err
	}
	fmt.Println(name)
	return nil
}
