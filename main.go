package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"conbuilder/internal/conbuilder"
)

var (
	version   = "dev"     // overridden at build time
	buildDate = "unknown" // overridden at build time
)

// isCriticalAtomic is 1 while an operation should survive the first Ctrl+C
// (package installs into a mounted layer).
var isCriticalAtomic atomic.Int32

const usage = `Build Debian packages using overlay FS and systemd namespace containers.

conbuilder creates a base filesystem using debootstrap, then overlays it with
a filesystem to install the required dependencies and finally runs the build
on another overlay. Layers are created, reused and purged automatically to
achieve fast package builds while minimizing disk usage.

Usage: conbuilder <action> [flags] [-- extra args]

Actions:
  create    create a new base system using debootstrap (--codename sid)
  update    update an existing base system
  build     build the package in the current directory; extra args after
            '--' are passed to dpkg-buildpackage
  install   install the .deb files given after '--' with their dependencies
  purge     remove stale dependency layers (--dry-run, --interactive)
  show      show containers, filesystem layers and overlay mounts
  version   print version information
`

func main() {
	// 1. CONTEXT AND SIGNAL SETUP
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					fmt.Printf("\n[WARNING] Critical operation in progress. Press Ctrl+C AGAIN to force exit NOW.\n")
					select {
					case <-sigs:
						fmt.Println("\n[FATAL] Forced immediate exit.")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				}
				fmt.Printf("\n[INFO] Received %v. Cancelling gracefully...\n", sig)
				cancel()
				time.Sleep(100 * time.Millisecond)
				select {
				case <-sigs:
					fmt.Println("\n[FATAL] Second interrupt received. Forcing immediate exit.")
					os.Exit(130)
				case <-time.After(500 * time.Millisecond):
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		return nil
	}
	action := os.Args[1]
	if action == "version" {
		fmt.Printf("conbuilder %s (%s)\n", version, buildDate)
		return nil
	}

	args, extraArgs := splitExtraArgs(os.Args[2:])
	if len(extraArgs) > 0 && action != "build" && action != "install" {
		return fmt.Errorf("extra arguments are only accepted for build or install")
	}

	fs := flag.NewFlagSet(action, flag.ExitOnError)
	codename := fs.String("codename", "sid", "distribution codename")
	confPath := fs.String("conf", conbuilder.DefaultConfigPath(), "config file path")
	var verbose verbosity
	fs.Var(&verbose, "v", "verbose output, repeat for more")
	dryRun := false
	interactive := false
	if action == "purge" {
		fs.BoolVar(&dryRun, "dry-run", false, "only print what would be removed")
		fs.BoolVar(&interactive, "interactive", false, "pick layers to remove")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	// generate the default config file on first run
	if *confPath == conbuilder.DefaultConfigPath() {
		if _, err := os.Stat(*confPath); os.IsNotExist(err) {
			fmt.Printf("Configuration file not found. Generating %s\n", *confPath)
			if err := conbuilder.WriteDefaultConfig(*confPath); err != nil {
				return err
			}
		}
	}

	cfg, err := conbuilder.LoadConfig(*confPath)
	if err != nil {
		return err
	}

	ui := conbuilder.NewUI(cfg, int(verbose))

	if err := conbuilder.AuthenticateOnce(ctx, ui); err != nil {
		return err
	}
	rootExec := conbuilder.NewExecutor(ctx, true, ui)
	builder := conbuilder.NewBuilder(cfg, ui, rootExec)

	switch action {
	case "create":
		return builder.CreateBase(*codename)
	case "update":
		return builder.UpdateBase(*codename)
	case "build":
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		return builder.Build(*codename, cwd, extraArgs)
	case "install":
		isCriticalAtomic.Store(1)
		defer isCriticalAtomic.Store(0)
		return builder.Install(*codename, extraArgs)
	case "purge":
		return builder.Purge(dryRun, interactive)
	case "show":
		return builder.Show()
	default:
		fmt.Print(usage)
		return fmt.Errorf("unknown action %q", action)
	}
}

// verbosity counts how many times -v is given.
type verbosity int

func (v *verbosity) String() string { return strconv.Itoa(int(*v)) }

func (v *verbosity) Set(string) error {
	*v++
	return nil
}

// IsBoolFlag lets -v appear without a value.
func (v *verbosity) IsBoolFlag() bool { return true }

// splitExtraArgs separates "--"-delimited pass-through arguments.
func splitExtraArgs(args []string) ([]string, []string) {
	for i, arg := range args {
		if arg == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}
