package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"chanfs/internal/app"
	"chanfs/internal/chanfs"
	"chanfs/internal/config"
	"chanfs/internal/task"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		// Business errors are shown without the wrapping chain.
		var e *chanfs.Error
		if errors.As(err, &e) {
			err = e
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "put", "ls").
func newApp(cmd *cobra.Command, operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	opts := app.Options{}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		opts.Echo = os.Stderr
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		opts.Progress = printProgress
	}

	a, err := app.New(cmd.Context(), cfg, operation, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// printProgress redraws the progress line of a transfer on stderr, leaving
// stdout free for downloads.
func printProgress(t task.Task) {
	fmt.Fprintf(os.Stderr, "\r\033[K%s", t)
	if t.State != task.StateRunning {
		fmt.Fprintln(os.Stderr)
	}
}

var rootCmd = &cobra.Command{
	Use:           "chanfs",
	Short:         "Filesystem stored in a chat channel",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		accountID := uuid.New().String()
		cfg := config.NewConfig(accountID, defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Account ID: %s\n", accountID)
		fmt.Printf("Base Dir:   %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Account ID: %s\n", cfg.AccountID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Backend:    %s (%s)\n", cfg.Backend.Name, cfg.Backend.Type)
		if cfg.LargeBackend != nil {
			fmt.Printf("Large:      %s (%s)\n", cfg.LargeBackend.Name, cfg.LargeBackend.Type)
		}
		return nil
	},
}

// ls command
var lsCmd = &cobra.Command{
	Use:   "ls [PATH]",
	Short: "List a directory or describe a file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ls")
		if err != nil {
			return err
		}
		defer a.Close()

		p := "/"
		if len(args) > 0 {
			p = args[0]
		}
		l, err := a.List(cmd.Context(), p)
		if err != nil {
			return err
		}

		if !l.IsDir() {
			latest := l.File.Latest()
			fmt.Printf("%s  %d version(s)  latest %s  %s  %s\n",
				l.File.Name, len(l.File.Versions), latest.ID,
				formatSize(latest.Size), latest.UpdatedAt.Format("2006-01-02 15:04:05"))
			return nil
		}
		if len(l.Entries) == 0 {
			fmt.Println("Empty directory.")
			return nil
		}
		for _, e := range l.Entries {
			if e.IsDir {
				fmt.Printf("d  %10s  %19s  %s/\n", "-", "", e.Name)
				continue
			}
			fmt.Printf("-  %10s  %s  %s\n", formatSize(e.Size), e.UpdatedAt.Format("2006-01-02 15:04:05"), e.Name)
		}
		return nil
	},
}

// mkdir command
var mkdirCmd = &cobra.Command{
	Use:   "mkdir PATH",
	Short: "Create a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parents, _ := cmd.Flags().GetBool("parents")

		a, err := newApp(cmd, "mkdir")
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Mkdir(cmd.Context(), args[0], parents)
	},
}

// rmdir command
var rmdirCmd = &cobra.Command{
	Use:   "rmdir PATH",
	Short: "Remove a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, _ := cmd.Flags().GetBool("recursive")

		a, err := newApp(cmd, "rmdir")
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Rmdir(cmd.Context(), args[0], recursive)
	},
}

// put command
var putCmd = &cobra.Command{
	Use:   "put LOCAL REMOTE",
	Short: "Upload a file, a directory (-r) or stdin (-)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, _ := cmd.Flags().GetBool("recursive")
		version, _ := cmd.Flags().GetString("version")
		size, _ := cmd.Flags().GetInt64("size")
		local, remote := args[0], args[1]

		a, err := newApp(cmd, "put")
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		switch {
		case local == "-":
			if size < 0 {
				return fmt.Errorf("reading stdin requires --size")
			}
			f, err := a.PutStream(ctx, os.Stdin, size, remote, version)
			if err != nil {
				return err
			}
			fmt.Printf("Uploaded %s (version %s)\n", remote, f.LatestVersionID)

		case recursive:
			start := time.Now()
			n, err := a.PutTree(ctx, local, remote)
			if err != nil {
				return fmt.Errorf("uploaded %d file(s) before failing: %w", n, err)
			}
			fmt.Printf("Uploaded %d file(s) in %s: %s\n", n, time.Since(start).Round(time.Millisecond), a.Summary())

		default:
			abs, err := filepath.Abs(local)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
			f, err := a.PutFile(ctx, abs, remote, version)
			if err != nil {
				return err
			}
			fmt.Printf("Uploaded %s (version %s, %s)\n", f.Name, f.LatestVersionID, formatSize(f.Latest().Size))
		}
		return nil
	},
}

// get command
var getCmd = &cobra.Command{
	Use:   "get REMOTE [LOCAL]",
	Short: "Download a file to LOCAL, or to stdout",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetString("version")

		a, err := newApp(cmd, "get")
		if err != nil {
			return err
		}
		defer a.Close()

		out := os.Stdout
		if len(args) == 2 && args[1] != "-" {
			f, err := os.Create(args[1])
			if err != nil {
				return fmt.Errorf("creating %s: %w", args[1], err)
			}
			defer f.Close()
			out = f
		}

		v, err := a.Get(cmd.Context(), args[0], version, out)
		if err != nil {
			return err
		}
		if out != os.Stdout {
			fmt.Printf("Downloaded %s (version %s)\n", args[0], v.ID)
		}
		return nil
	},
}

// cp command
var cpCmd = &cobra.Command{
	Use:   "cp SRC DST",
	Short: "Copy a file or directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "cp")
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Copy(cmd.Context(), args[0], args[1])
	},
}

// mv command
var mvCmd = &cobra.Command{
	Use:   "mv SRC DST",
	Short: "Move a file or directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "mv")
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Move(cmd.Context(), args[0], args[1])
	},
}

// rm command
var rmCmd = &cobra.Command{
	Use:   "rm PATH",
	Short: "Remove a file or one of its versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetString("version")

		a, err := newApp(cmd, "rm")
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Remove(cmd.Context(), args[0], version)
	},
}

// versions command
var versionsCmd = &cobra.Command{
	Use:   "versions PATH",
	Short: "View the versions of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "versions")
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := a.Versions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, v := range f.Versions {
			latest := ""
			if v.ID == f.LatestVersionID {
				latest = "  [latest]"
			}
			fmt.Printf("%s  %s  %10s%s\n", v.ID, v.UpdatedAt.Format("2006-01-02 15:04:05"), formatSize(v.Size), latest)
		}
		return nil
	},
}

func formatSize(n int64) string {
	if n < 0 {
		return "?"
	}
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Echo log lines to stderr")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)

	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(mkdirCmd)
	mkdirCmd.Flags().BoolP("parents", "p", false, "Create missing parent directories")
	rootCmd.AddCommand(rmdirCmd)
	rmdirCmd.Flags().BoolP("recursive", "r", false, "Remove the directory and its contents")

	rootCmd.AddCommand(putCmd)
	putCmd.Flags().BoolP("recursive", "r", false, "Upload a local directory")
	putCmd.Flags().String("version", "", "Replace this version instead of adding one")
	putCmd.Flags().Int64("size", -1, "Exact byte count when reading stdin")

	rootCmd.AddCommand(getCmd)
	getCmd.Flags().String("version", "", "Version to download (default: latest)")

	rootCmd.AddCommand(cpCmd)
	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(rmCmd)
	rmCmd.Flags().String("version", "", "Remove only this version")
	rootCmd.AddCommand(versionsCmd)
}
