// Command ensemble manages agent definitions stored as YAML documents in a
// local directory. It is the operator-facing companion to the worker daemon:
// definitions registered here are what the runner resolves at invocation
// time when it is pointed at the same directory.
//
// Usage:
//
//	ensemble [-dir DIR] register <config.yaml>
//	ensemble [-dir DIR] list
//	ensemble [-dir DIR] show --agent-id ID
//	ensemble [-dir DIR] delete <agent-id>
//
// The directory defaults to ENSEMBLE_AGENTS_DIR, falling back to ./agents.
// The command exits 0 on success and 1 on any failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/ensembleworks/ensemble/features/store/file"
	"github.com/ensembleworks/ensemble/runtime/agent"
	"github.com/ensembleworks/ensemble/runtime/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ensemble:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("ensemble", flag.ContinueOnError)
	dir := flags.String("dir", defaultDir(), "directory holding agent documents")
	flags.Usage = usage(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return errors.New("missing command")
	}

	repo, err := file.New(file.Options{Root: *dir})
	if err != nil {
		return err
	}
	ctx := context.Background()

	cmd, rest := rest[0], rest[1:]
	switch cmd {
	case "register":
		return register(ctx, repo, rest)
	case "list":
		return list(ctx, repo)
	case "show":
		return show(ctx, repo, rest)
	case "delete":
		return remove(ctx, repo, rest)
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// register validates a YAML agent configuration and stores it. Registering
// an existing ID replaces the definition but keeps its creation time.
func register(ctx context.Context, repo *file.Repository, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	user := fs.String("user-id", "", "owner of the definition (empty means shared)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: ensemble register [--user-id ID] <config.yaml>")
	}
	path := fs.Arg(0)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var cfg agent.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid agent configuration %s: %w", path, err)
	}

	rec := store.NewAgentRecord(*user, cfg)
	if err := repo.Save(ctx, rec); err != nil {
		return err
	}
	fmt.Printf("registered agent %s (%s)\n", rec.ID, rec.Kind)
	return nil
}

func list(ctx context.Context, repo *file.Repository) error {
	recs, err := repo.List(ctx, "")
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no agents registered")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tNAME\tACTIVE\tUPDATED")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
			rec.ID, rec.Kind, rec.Config.Name, rec.IsActive,
			rec.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func show(ctx context.Context, repo *file.Repository, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	agentID := fs.String("agent-id", "", "agent to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *agentID == "" && fs.NArg() == 1 {
		*agentID = fs.Arg(0)
	}
	if *agentID == "" {
		return errors.New("usage: ensemble show --agent-id ID")
	}
	rec, err := repo.Get(ctx, *agentID)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("render agent %s: %w", *agentID, err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

func remove(ctx context.Context, repo *file.Repository, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	agentID := fs.String("agent-id", "", "agent to delete")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *agentID == "" && fs.NArg() == 1 {
		*agentID = fs.Arg(0)
	}
	if *agentID == "" {
		return errors.New("usage: ensemble delete <agent-id>")
	}
	if err := repo.Delete(ctx, *agentID); err != nil {
		return err
	}
	fmt.Printf("deleted agent %s\n", *agentID)
	return nil
}

func defaultDir() string {
	if v := os.Getenv("ENSEMBLE_AGENTS_DIR"); v != "" {
		return v
	}
	return "agents"
}

func usage(flags *flag.FlagSet) func() {
	return func() {
		fmt.Fprintln(os.Stderr, "usage: ensemble [-dir DIR] <register|list|show|delete> [args]")
		flags.PrintDefaults()
	}
}
