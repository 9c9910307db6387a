package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// globalFlags are the flags every command accepts.
type globalFlags struct {
	verbose       int
	quiet         bool
	color         string
	messageFormat string
	manifestPath  string
	targetDir     string
	locked        bool
	offline       bool
	frozen        bool
}

var (
	globals globalFlags

	// Colors for help output sections
	groupTitleColor   = color.New(color.FgCyan, color.Bold)
	sectionTitleColor = color.New(color.FgBlue, color.Bold)
)

// rootCmd is the root command for cairn.
var rootCmd = &cobra.Command{
	Use:     "cairn",
	Version: "dev",
	Short:   "Package manager and build tool for cairn workspaces",
	Long: `cairn builds, tests and publishes the packages of a cairn workspace.

It selects packages and targets from Cairn.toml manifests, drives the compiler
with a bounded job pool, runs test executables and doctests, and packages and
uploads releases to a registry.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setColor(globals.color); err != nil {
			return err
		}
		switch globals.messageFormat {
		case formatHuman, formatShort, formatJSON:
			messageFormat = globals.messageFormat
		default:
			return fmt.Errorf("argument for --message-format must be human, short, or json, but found `%s`", globals.messageFormat)
		}
		if globals.verbose > 0 && globals.quiet {
			return fmt.Errorf("cannot set both --verbose and --quiet")
		}
		return nil
	},
}

func SetVersion(v string) {
	if v == "" {
		return
	}
	rootCmd.Version = v
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

// customHelpFunc returns a custom help function that colors group titles
func customHelpFunc(cmd *cobra.Command, args []string) {
	var help strings.Builder

	if cmd.Long != "" {
		help.WriteString(cmd.Long)
		help.WriteString("\n\n")
	}

	help.WriteString(sectionTitleColor.Sprint("Usage:"))
	help.WriteString("\n")
	fmt.Fprintf(&help, "  %s\n\n", cmd.UseLine())

	for _, group := range cmd.Groups() {
		help.WriteString(groupTitleColor.Sprint(group.Title))
		help.WriteString("\n")

		for _, c := range cmd.Commands() {
			if c.GroupID == group.ID && !c.Hidden {
				fmt.Fprintf(&help, "  %-11s %s\n", c.Name(), c.Short)
			}
		}
		help.WriteString("\n")
	}

	hasUngrouped := false
	for _, c := range cmd.Commands() {
		if c.GroupID == "" && !c.Hidden {
			if !hasUngrouped {
				help.WriteString(sectionTitleColor.Sprint("Additional Commands:"))
				help.WriteString("\n")
				hasUngrouped = true
			}
			fmt.Fprintf(&help, "  %-11s %s\n", c.Name(), c.Short)
		}
	}
	if hasUngrouped {
		help.WriteString("\n")
	}

	if cmd.HasAvailableLocalFlags() || cmd.HasAvailablePersistentFlags() {
		help.WriteString(sectionTitleColor.Sprint("Flags:"))
		help.WriteString("\n")
		help.WriteString(cmd.LocalFlags().FlagUsages())
		help.WriteString(cmd.InheritedFlags().FlagUsages())
		help.WriteString("\n")
	}

	fmt.Fprintf(&help, "Use \"%s [command] --help\" for more information about a command.\n", cmd.CommandPath())

	fmt.Fprint(cmd.OutOrStdout(), help.String())
}

func init() {
	rootCmd.SetHelpFunc(customHelpFunc)

	pf := rootCmd.PersistentFlags()
	pf.CountVarP(&globals.verbose, "verbose", "v", "Use verbose output (-vv very verbose)")
	pf.BoolVarP(&globals.quiet, "quiet", "q", false, "Do not print cairn log messages")
	pf.StringVar(&globals.color, "color", "auto", "Coloring: auto, always, never")
	pf.StringVar(&globals.messageFormat, "message-format", formatHuman, "Error format: human, short, json")
	pf.StringVar(&globals.manifestPath, "manifest-path", "", "Path to Cairn.toml")
	pf.StringVar(&globals.targetDir, "target-dir", "", "Directory for all generated artifacts")
	pf.BoolVar(&globals.locked, "locked", false, "Assert that Cairn.lock will remain unchanged")
	pf.BoolVar(&globals.offline, "offline", false, "Run without accessing the network")
	pf.BoolVar(&globals.frozen, "frozen", false, "Equivalent to specifying both --locked and --offline")

	rootCmd.AddGroup(&cobra.Group{
		ID:    "build",
		Title: "Build Commands:",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "package",
		Title: "Package Commands:",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "cli-tooling",
		Title: "CLI & Tooling:",
	})

	versionCmd := &cobra.Command{
		Use:     "version",
		Short:   "Print the cairn version",
		Args:    cobra.NoArgs,
		GroupID: "cli-tooling",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), rootCmd.Version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	helpCmd := &cobra.Command{
		Use:     "help [command]",
		Short:   "Help about any command",
		GroupID: "cli-tooling",
		Run: func(cmd *cobra.Command, args []string) {
			target, _, err := cmd.Root().Find(args)
			if err != nil || target == nil {
				target = cmd.Root()
			}
			_ = target.Help()
		},
	}
	rootCmd.SetHelpCommand(helpCmd)

	completionCmd := &cobra.Command{
		Use:     "completion",
		Short:   "Generate the autocompletion script for the specified shell",
		GroupID: "cli-tooling",
		Long: `Generate the autocompletion script for cairn for the specified shell.
See each sub-command's help for details on how to use the generated script.`,
	}
	completionCmd.AddCommand(&cobra.Command{
		Use:                   "bash",
		Short:                 "Generate the autocompletion script for bash",
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootCmd.GenBashCompletion(cmd.OutOrStdout())
		},
	})
	completionCmd.AddCommand(&cobra.Command{
		Use:                   "zsh",
		Short:                 "Generate the autocompletion script for zsh",
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootCmd.GenZshCompletion(cmd.OutOrStdout())
		},
	})
	completionCmd.AddCommand(&cobra.Command{
		Use:                   "fish",
		Short:                 "Generate the autocompletion script for fish",
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootCmd.GenFishCompletion(cmd.OutOrStdout(), true)
		},
	})
	completionCmd.AddCommand(&cobra.Command{
		Use:                   "powershell",
		Short:                 "Generate the autocompletion script for powershell",
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootCmd.GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
		},
	})
	rootCmd.AddCommand(completionCmd)

	buildCmd.GroupID = "build"
	testCmd.GroupID = "build"
	benchCmd.GroupID = "build"
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(benchCmd)

	packageCmd.GroupID = "package"
	publishCmd.GroupID = "package"
	rootCmd.AddCommand(packageCmd)
	rootCmd.AddCommand(publishCmd)
}

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

// Main runs cairn and returns the process exit code. Errors are printed here.
func Main() int {
	if err := Execute(); err != nil {
		PrintError(err.Error())
		return ExitCode(err)
	}
	return ExitSuccess
}
