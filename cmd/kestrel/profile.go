package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/kestrel/manifest"
	"github.com/chazu/kestrel/profile"
	"github.com/chazu/kestrel/vm"
)

func databasePath(m *manifest.Manifest) string {
	if m == nil {
		return manifest.DefaultDatabase
	}
	return m.DatabasePath()
}

// saveProfile stores the opcode counts of a finished run.
func saveProfile(m *manifest.Manifest, v *vm.VM, label string) error {
	snap, ok := v.OpcodeProfile()
	if !ok {
		return errors.New("opcode profiling is not enabled")
	}
	store, err := profile.Open(databasePath(m))
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.Save(context.Background(), label, snap)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "saved profile %s (%d instructions)\n", run.ID, run.Total)
	return nil
}

func profileCommand(m *manifest.Manifest, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: kestrel profile list|report|delete [arguments]")
	}

	fs := flag.NewFlagSet("profile "+args[0], flag.ExitOnError)
	db := fs.String("db", databasePath(m), "Profile database")
	top := fs.Int("n", 20, "Rows to show in a report")
	fs.Parse(args[1:])

	store, err := profile.Open(*db)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	switch args[0] {
	case "list":
		return listRuns(ctx, store)
	case "report":
		ids, err := parseRunIDs(fs.Args())
		if err != nil {
			return err
		}
		ops, err := store.TopOpcodes(ctx, *top, ids...)
		if err != nil {
			return err
		}
		pairs, err := store.TopPairs(ctx, *top, ids...)
		if err != nil {
			return err
		}
		return profile.WriteReport(os.Stdout, ops, pairs)
	case "delete":
		ids, err := parseRunIDs(fs.Args())
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return errors.New("usage: kestrel profile delete <run-id>...")
		}
		for _, id := range ids {
			if err := store.Delete(ctx, id); err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown profile command %q", args[0])
	}
}

func listRuns(ctx context.Context, store *profile.Store) error {
	runs, err := store.Runs(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tCREATED\tINSTRUCTIONS")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.ID, r.Label, r.Created.Local().Format(time.DateTime), r.Total)
	}
	return w.Flush()
}

func parseRunIDs(args []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(args))
	for _, a := range args {
		id, err := uuid.Parse(a)
		if err != nil {
			return nil, fmt.Errorf("run id %q: %w", a, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
