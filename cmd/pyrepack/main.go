// Command pyrepack inspects and repacks frozen Python executables.
//
// Usage:
//
//	pyrepack [-v] list EXE
//	pyrepack [-v] extract [-w DIR] EXE
//	pyrepack [-v] repack [-w DIR] -s SRC -r RUNTIME [options] EXE
//	pyrepack [-v] restore -b BACKUP EXE
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"rsc.io/getopt"

	"github.com/meigma/pyrepack"
	"github.com/meigma/pyrepack/carchive"
	"github.com/meigma/pyrepack/patch"
	"github.com/meigma/pyrepack/pycode"
)

const defaultWorkDir = ".pyrepack"

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pyrepack: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: pyrepack [-v] <command> [options] EXE

commands:
  list      print the archives bundled in EXE
  extract   unpack the PYZ archives of EXE into a working directory
  repack    rebuild EXE from a directory of replacement sources
  restore   restore EXE from a backup written by repack --backup

run "pyrepack <command> -h" for command options`)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := getopt.NewFlagSet("pyrepack", flag.ContinueOnError)
	fs.SetOutput(stderr)
	verbose := fs.Bool("verbose", false, "log debug messages")
	fs.Alias("v", "verbose")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		usage(stderr)
		return errUsage
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "list":
		return runList(rest, stdout, stderr)
	case "extract":
		return runExtract(ctx, rest, stdout, stderr, logger)
	case "repack":
		return runRepack(ctx, rest, stdout, stderr, logger)
	case "restore":
		return runRestore(ctx, rest, stderr, logger)
	default:
		fmt.Fprintf(stderr, "pyrepack: unknown command %q\n", cmd)
		usage(stderr)
		return errUsage
	}
}

// parseCommand parses the options of a command that takes exactly one
// executable argument.
func parseCommand(fs *getopt.FlagSet, args []string, stderr io.Writer, synopsis string) (string, error) {
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: pyrepack %s\n", synopsis)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return "", errUsage
	}
	return fs.Arg(0), nil
}

func runList(args []string, stdout, stderr io.Writer) error {
	fs := getopt.NewFlagSet("list", flag.ContinueOnError)
	exe, err := parseCommand(fs, args, stderr, "list EXE")
	if err != nil {
		return err
	}

	r, err := carchive.Open(exe)
	if err != nil {
		return err
	}
	defer r.Close()

	c := r.Cookie()
	fmt.Fprintf(stdout, "%s: %s archive at %#x, %s, python %d.%d",
		exe, r.Layout().Name(), r.Start(), humanize.Bytes(uint64(c.Length)), c.PyVersion/100, c.PyVersion%100)
	if c.PyLibName != "" {
		fmt.Fprintf(stdout, " (%s)", c.PyLibName)
	}
	fmt.Fprintln(stdout)

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tZ\tSTORED\tSIZE\tNAME")
	for _, e := range r.TOC().Entries() {
		z := "-"
		if e.Compressed {
			z = "z"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Type, z, humanize.Bytes(uint64(e.StoredLength)), humanize.Bytes(uint64(e.Length)), e.Name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, e := range r.TOC().Unique() {
		if !e.Type.Nested() {
			continue
		}
		pr, err := r.OpenNested(e.Name)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "\n%s: bytecode magic %x, %d entries\n", e.Name, pr.BytecodeMagic(), len(pr.Entries()))
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		for _, pe := range pr.Entries() {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", pe.Type, humanize.Bytes(uint64(pe.Length)), pe.Name) //nolint:gosec // lengths are non-negative
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func runExtract(ctx context.Context, args []string, stdout, stderr io.Writer, logger *slog.Logger) error {
	fs := getopt.NewFlagSet("extract", flag.ContinueOnError)
	workDir := fs.String("workdir", defaultWorkDir, "working `directory` (removed first)")
	fs.Alias("w", "workdir")
	exe, err := parseCommand(fs, args, stderr, "extract [-w DIR] EXE")
	if err != nil {
		return err
	}

	rp, err := pyrepack.Extract(ctx, exe, *workDir, pyrepack.WithLogger(logger))
	if err != nil {
		return err
	}
	for _, name := range rp.Archives() {
		fmt.Fprintf(stdout, "%s -> %s\n", name, filepath.Join(*workDir, name+pyrepack.ExtractSuffix))
	}
	return nil
}

func runRepack(ctx context.Context, args []string, stdout, stderr io.Writer, logger *slog.Logger) error {
	fs := getopt.NewFlagSet("repack", flag.ContinueOnError)
	workDir := fs.String("workdir", defaultWorkDir, "working `directory`")
	srcDir := fs.String("src", "", "replacement source `directory`")
	runtime := fs.String("runtime", "", "runtime package `name` inside the source directory")
	entry := fs.String("entry", "", "entry script `name` (default: executable name)")
	keep := fs.Bool("keep", false, "reuse an earlier extraction instead of extracting again")
	identity := fs.String("identity", "-", "code signing `identity` on macOS")
	inPlace := fs.Bool("in-place", false, "overwrite the executable in place instead of replacing it")
	backup := fs.String("backup", "", "write a compressed backup of the executable to `file`")
	requireTools := fs.Bool("require-tools", false, "fail when a platform tool is missing")
	platformName := fs.String("platform", patch.HostPlatform().String(), "finalization `platform`: generic, linux, darwin or windows")
	python := fs.String("python", pycode.DefaultInterpreter, "python `interpreter` matching the bundle")
	oneFile := fs.String("one-file", "auto", "bundle the runtime library into the archive: auto, yes or no")
	fs.Alias("w", "workdir")
	fs.Alias("s", "src")
	fs.Alias("r", "runtime")
	fs.Alias("e", "entry")
	fs.Alias("k", "keep")
	fs.Alias("i", "identity")
	fs.Alias("b", "backup")
	exe, err := parseCommand(fs, args, stderr, "repack [-w DIR] -s SRC -r RUNTIME [options] EXE")
	if err != nil {
		return err
	}
	if *srcDir == "" || *runtime == "" {
		fs.Usage()
		return errUsage
	}
	platform, err := patch.ParsePlatform(*platformName)
	if err != nil {
		return err
	}

	patcher := patch.New(
		patch.WithPlatform(platform),
		patch.WithLogger(logger),
		patch.WithInPlace(*inPlace),
		patch.WithRequireTools(*requireTools),
		patch.WithBackup(*backup),
		patch.WithIdentity(*identity),
	)
	opts := []pyrepack.Option{
		pyrepack.WithLogger(logger),
		pyrepack.WithPatcher(patcher),
		pyrepack.WithCompiler(pycode.NewPython(pycode.WithInterpreter(*python), pycode.WithLogger(logger))),
	}

	var rp *pyrepack.Repacker
	if *keep {
		rp, err = pyrepack.Resume(exe, *workDir, opts...)
	} else {
		rp, err = pyrepack.Extract(ctx, exe, *workDir, opts...)
	}
	if err != nil {
		return err
	}

	var repackOpts []pyrepack.RepackOption
	if *entry != "" {
		repackOpts = append(repackOpts, pyrepack.RepackWithEntry(*entry))
	}
	switch *oneFile {
	case "auto":
	case "yes":
		repackOpts = append(repackOpts, pyrepack.RepackWithOneFile(true))
	case "no":
		repackOpts = append(repackOpts, pyrepack.RepackWithOneFile(false))
	default:
		return fmt.Errorf("invalid --one-file value %q", *oneFile)
	}

	res, err := rp.Repack(ctx, *srcDir, *runtime, repackOpts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %s archive, %s executable (%s)\n",
		exe, humanize.Bytes(uint64(res.Archive.Length)), humanize.Bytes(uint64(res.Patch.Size)), res.Patch.Digest) //nolint:gosec // sizes are non-negative
	return nil
}

func runRestore(ctx context.Context, args []string, stderr io.Writer, logger *slog.Logger) error {
	fs := getopt.NewFlagSet("restore", flag.ContinueOnError)
	backup := fs.String("backup", "", "backup `file` written by repack --backup")
	fs.Alias("b", "backup")
	exe, err := parseCommand(fs, args, stderr, "restore -b BACKUP EXE")
	if err != nil {
		return err
	}
	if *backup == "" {
		fs.Usage()
		return errUsage
	}
	if err := patch.RestoreBackup(ctx, *backup, exe); err != nil {
		return err
	}
	logger.Info("restored executable", "exe", exe, "backup", *backup)
	return nil
}
