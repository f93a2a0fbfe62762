// Kestrel CLI - runs, assembles and serves Scheme VM code
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/kestrel/manifest"
	"github.com/chazu/kestrel/server"
	"github.com/chazu/kestrel/vm"
)

// imageExt marks files produced by the assemble command.
const imageExt = ".kimg"

var log = commonlog.GetLogger("kestrel")

// options are the flags shared by every command.
type options struct {
	verbosity int
	logFile   string
	dir       string
	noProject bool
}

func main() {
	var opts options
	flag.IntVar(&opts.verbosity, "v", -1, "Log verbosity (0-4); defaults to the manifest's [log] table")
	flag.StringVar(&opts.logFile, "log", "", "Log file (default stderr)")
	flag.StringVar(&opts.dir, "C", ".", "Directory to search for kestrel.toml")
	flag.BoolVar(&opts.noProject, "no-project", false, "Ignore any project manifest")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kestrel [options] <command> [arguments]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run [files...]        Load assembly (.kasm) or image (.kimg) files\n")
		fmt.Fprintf(os.Stderr, "  repl                  Start an interactive session\n")
		fmt.Fprintf(os.Stderr, "  assemble [-o out] f   Assemble a source file into an image\n")
		fmt.Fprintf(os.Stderr, "  serve                 Start the eval server (Connect + gRPC)\n")
		fmt.Fprintf(os.Stderr, "  lsp                   Start the language server on stdio\n")
		fmt.Fprintf(os.Stderr, "  profile list|report|delete\n")
		fmt.Fprintf(os.Stderr, "                        Inspect saved opcode profiles\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  kestrel run                       # Load the project's sources in order\n")
		fmt.Fprintf(os.Stderr, "  kestrel run -profile bench a.kasm # Run a.kasm and save its opcode profile\n")
		fmt.Fprintf(os.Stderr, "  kestrel assemble -o app.kimg app.kasm\n")
		fmt.Fprintf(os.Stderr, "  kestrel -v 2 serve -addr :7070\n")
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		args = []string{"repl"}
	}

	m, err := loadManifest(opts)
	if err != nil {
		fatal(err)
	}
	configureLogging(opts, m)

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		err = runCommand(m, rest)
	case "repl":
		err = replCommand(m, rest)
	case "assemble":
		err = assembleCommand(m, rest)
	case "serve":
		err = serveCommand(m, rest)
	case "lsp":
		err = lspCommand(m, rest)
	case "profile":
		err = profileCommand(m, rest)
	case "help":
		flag.Usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}

	var exit exitCode
	if errors.As(err, &exit) {
		os.Exit(int(exit))
	}
	if err != nil {
		fatal(err)
	}
}

// exitCode is returned by run when the program's last value is a fixnum.
type exitCode int

func (c exitCode) Error() string { return fmt.Sprintf("exit status %d", int(c)) }

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	var se *vm.Error
	if errors.As(err, &se) {
		for _, f := range se.Backtrace {
			fmt.Fprintf(os.Stderr, "  at %s (%s:%d:%d)\n", f.Name, f.Source, f.Line, f.Column)
		}
	}
	os.Exit(1)
}

// ---------------------------------------------------------------------------
// Setup
// ---------------------------------------------------------------------------

// loadManifest finds the project manifest, if any. A nil manifest means
// every command runs with defaults.
func loadManifest(opts options) (*manifest.Manifest, error) {
	if opts.noProject {
		return nil, nil
	}
	return manifest.FindAndLoad(opts.dir)
}

func configureLogging(opts options, m *manifest.Manifest) {
	verbosity := 0
	var path *string
	if m != nil {
		verbosity = m.Log.Verbosity
		path = m.LogPath()
	}
	if opts.verbosity >= 0 {
		verbosity = opts.verbosity
	}
	if opts.logFile != "" {
		path = &opts.logFile
	}
	commonlog.Configure(verbosity, path)
}

// newVM builds a booted standalone VM from the manifest's [vm], [heap],
// [flags] and [spawn] tables. Scheme output goes to stdout.
func newVM(m *manifest.Manifest, profile bool, stdout io.Writer) (*vm.VM, error) {
	cfg := vm.DefaultConfig()
	var threshold int64
	if m != nil {
		var err error
		if cfg, err = m.VMConfig(); err != nil {
			return nil, err
		}
		threshold = m.Heap.Threshold
	}
	if profile {
		cfg.ProfileOpcodes = true
	}
	cfg.Stdin, cfg.Stdout, cfg.Stderr = os.Stdin, stdout, os.Stderr

	v, err := vm.New(vm.NewHeap(threshold), cfg)
	if err != nil {
		return nil, err
	}
	if err := v.Standalone(); err != nil {
		return nil, err
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func runCommand(m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	label := fs.String("profile", "", "Save the opcode profile under this label")
	fs.Parse(args)

	files := fs.Args()
	if len(files) == 0 {
		if m == nil {
			return errors.New("no files given and no kestrel manifest found")
		}
		var err error
		if files, err = manifest.NewResolver(m).LoadOrder(); err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("%s: project has no sources", m.Path)
		}
	}

	v, err := newVM(m, *label != "", os.Stdout)
	if err != nil {
		return err
	}

	var result vm.Value
	for _, file := range files {
		log.Debugf("loading %s", file)
		if result, err = loadFile(v, file); err != nil {
			return err
		}
	}

	if *label != "" {
		if err := saveProfile(m, v, *label); err != nil {
			return err
		}
	}
	if result.IsFixnum() {
		return exitCode(result.Int())
	}
	return nil
}

// loadFile runs one assembly source or image file.
func loadFile(v *vm.VM, path string) (vm.Value, error) {
	if filepath.Ext(path) == imageExt {
		return v.LoadImage(path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return vm.Unspecified, err
	}
	return v.Load(string(src), path)
}

// ---------------------------------------------------------------------------
// assemble
// ---------------------------------------------------------------------------

func assembleCommand(m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("assemble", flag.ExitOnError)
	out := fs.String("o", "", "Output image (default: the source name with "+imageExt+")")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return errors.New("usage: kestrel assemble [-o out" + imageExt + "] file" + manifest.SourceExt)
	}
	path := fs.Arg(0)
	if *out == "" {
		*out = strings.TrimSuffix(path, filepath.Ext(path)) + imageExt
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	v, err := newVM(m, false, os.Stdout)
	if err != nil {
		return err
	}
	if err := v.SaveImage(string(src), path, *out); err != nil {
		return err
	}
	log.Infof("wrote %s", *out)
	return nil
}

// ---------------------------------------------------------------------------
// serve / lsp
// ---------------------------------------------------------------------------

func serveCommand(m *manifest.Manifest, args []string) error {
	addr, grpcAddr := manifest.DefaultAddr, manifest.DefaultGRPCAddr
	if m != nil {
		addr, grpcAddr = m.Server.Addr, m.Server.GRPCAddr
	}

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Connect (HTTP) listen address")
	fs.StringVar(&grpcAddr, "grpc-addr", grpcAddr, "gRPC listen address")
	timeout := fs.Duration("eval-timeout", 0, "Per-request evaluation limit (0 for none)")
	ttl := fs.Duration("handle-ttl", server.DefaultHandleTTL, "Idle time before a result handle is dropped")
	fs.Parse(args)

	v, err := preloadedVM(m, os.Stdout)
	if err != nil {
		return err
	}

	srv := server.New(v,
		server.WithEvalTimeout(*timeout),
		server.WithHandleTTL(*ttl),
		server.WithSweepInterval(min(*ttl, server.DefaultSweepInterval)),
	)
	defer srv.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Noticef("serving connect on %s, grpc on %s", addr, grpcAddr)
	return srv.Serve(ctx, addr, grpcAddr)
}

func lspCommand(m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("lsp", flag.ExitOnError)
	fs.Parse(args)

	// Stdout carries the protocol.
	v, err := preloadedVM(m, os.Stderr)
	if err != nil {
		return err
	}
	return server.NewLSP(v).Run()
}

// preloadedVM is a VM with the project's sources already loaded, so
// servers see its globals. Without a manifest it is just booted.
func preloadedVM(m *manifest.Manifest, stdout io.Writer) (*vm.VM, error) {
	v, err := newVM(m, false, stdout)
	if err != nil || m == nil {
		return v, err
	}
	files, err := manifest.NewResolver(m).LoadOrder()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	for _, file := range files {
		if _, err := loadFile(v, file); err != nil {
			return nil, err
		}
	}
	log.Infof("loaded %d files in %s", len(files), time.Since(start))
	return v, nil
}
