package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/i5heu/ouroboros-privacy/internal/config"
	naclimpl "github.com/i5heu/ouroboros-privacy/internal/encryption"
	"github.com/i5heu/ouroboros-privacy/internal/node"
	"github.com/i5heu/ouroboros-privacy/internal/recovery"
	"github.com/i5heu/ouroboros-privacy/pkg/logging"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"
)

const usage = `Usage: privacy-admin <command> [flags]
Commands:
  keygen  [--count n]             print new key pairs as a keys: section
  status  --config <file>         show key and store counts
  resume  --config <file>         stage and sync rows left in staging
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "keygen":
		return keygen(args, out)
	case "status":
		return status(args, out)
	case "resume":
		return resume(ctx, args, out)
	}
	return fmt.Errorf("unknown command %q\n%s", cmd, usage)
}

func keygen(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	count := fs.IntP("count", "n", 1, "number of key pairs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *count < 1 {
		return fmt.Errorf("count must be at least 1")
	}

	nacl := naclimpl.NewNaclEncryptor()
	section := struct {
		Keys []config.KeyPair `yaml:"keys"`
	}{}
	for i := 0; i < *count; i++ {
		kp, err := nacl.GenerateKeyPair()
		if err != nil {
			return err
		}
		section.Keys = append(section.Keys, config.KeyPair{
			Public:  base64.StdEncoding.EncodeToString(kp.Public[:]),
			Private: base64.StdEncoding.EncodeToString(kp.Private[:]),
		})
	}

	data, err := yaml.Marshal(section)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// openNode parses the common flags and opens an offline node.
func openNode(name string, args []string) (*node.Node, *slog.Logger, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	path := fs.StringP("config", "c", "privacy.yaml", "configuration file")
	noColor := fs.Bool("no-color", false, "disable colored output")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	c, err := config.Load(*path)
	if err != nil {
		return nil, nil, err
	}
	console := logging.NewConsole(os.Stderr, c.Log.Level, *noColor)

	n, err := node.New(c, nil, logging.New(c.Log.Level))
	if err != nil {
		return nil, nil, err
	}
	console.Info("opened node", "config", *path, "storage", c.Storage.Path, "inMemory", c.Storage.InMemory)
	return n, console, nil
}

func status(args []string, out io.Writer) error {
	n, _, err := openNode("status", args)
	if err != nil {
		return err
	}
	defer n.Close()

	s, err := n.Status()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Keys:")
	for _, k := range s.PublicKeys {
		fmt.Fprintf(out, "  %s\n", k)
	}
	fmt.Fprintf(out, "Transactions:     %d\n", s.Transactions)
	fmt.Fprintf(out, "Staging rows:     %d\n", s.StagingRows)
	fmt.Fprintf(out, "Staged rows:      %d\n", s.Staged)
	fmt.Fprintf(out, "Affected refs:    %d\n", s.StagingAffected)
	for _, d := range s.Disk {
		fmt.Fprintf(out, "Disk %s (%s): store %d bytes, %d of %d bytes free\n", d.Path, d.Filesystem, d.StoreBytes, d.Free, d.Total)
	}
	return nil
}

func resume(ctx context.Context, args []string, out io.Writer) error {
	n, console, err := openNode("resume", args)
	if err != nil {
		return err
	}
	defer n.Close()

	result, err := n.Resume(ctx)
	if err != nil {
		return err
	}
	if result != recovery.Success {
		console.Warn("resume incomplete, staging kept", "result", result.String())
	} else {
		console.Info("resume finished", "result", result.String())
	}
	fmt.Fprintln(out, result)
	return nil
}
