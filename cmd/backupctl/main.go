package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exit codes, inspired by sysexits.h
const (
	exitCodeGeneral = 1
	exitCodeUsage   = 64
)

// globalFlags holds every flag shared across backupctl's subcommands.
var globalFlags struct {
	indexDir   string
	resumeDir  string
	catalogDir string
	password   string
}

// die prints its arguments to stderr, then exits the program.
func die(args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(exitCodeGeneral)
}

func versionCmd(*cobra.Command, []string) {
	fmt.Println("backupctl v0 (in-memory remote store demo)")
}

// main establishes backupctl's command tree using cobra.
func main() {
	root := &cobra.Command{
		Use:   os.Args[0],
		Short: "backupctl is the reference CLI for the encrypted dedup backup engine",
		Long:  "backupctl drives the backup/restore pipeline against an in-memory remote store, for local exercising of the engine without a real WebDAV endpoint wired in.",
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run:   versionCmd,
	})
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(previewCmd())
	root.AddCommand(browseCmd())
	root.AddCommand(verifyCmd())

	root.PersistentFlags().StringVar(&globalFlags.indexDir, "index-dir", "", "local directory for the change-tracking index (defaults under the data dir)")
	root.PersistentFlags().StringVar(&globalFlags.resumeDir, "resume-dir", "", "local directory for crash-recovery resume state (defaults under the data dir)")
	root.PersistentFlags().StringVar(&globalFlags.catalogDir, "catalog-dir", "", "local directory for the cached manifest catalog (defaults under the data dir)")
	root.PersistentFlags().StringVar(&globalFlags.password, "password", "", "backup encryption password (falls back to FROSTVAULT_PASSWORD)")

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeUsage)
	}
}
