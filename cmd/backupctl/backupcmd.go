package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"

	"github.com/frostvault/backup/blockstore"
	"github.com/frostvault/backup/build"
	"github.com/frostvault/backup/config"
	"github.com/frostvault/backup/crypto"
	"github.com/frostvault/backup/dedup"
	"github.com/frostvault/backup/manifest"
	"github.com/frostvault/backup/persist"
	"github.com/frostvault/backup/pipeline"
	"github.com/frostvault/backup/transport/memstore"
)

// bootstrap wires a pipeline.Engine against the in-memory remote store,
// the only transport implementation this repo carries; a real WebDAV
// transport is out of core scope per spec.md §1.
func bootstrap() (*pipeline.Engine, func(), error) {
	password := globalFlags.password
	if password == "" {
		password = build.Password()
	}
	if password == "" {
		return nil, nil, fmt.Errorf("--password is required (or set FROSTVAULT_PASSWORD)")
	}

	dataDir := build.DataDir()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, nil, err
	}

	indexDir := globalFlags.indexDir
	if indexDir == "" {
		indexDir = filepath.Join(dataDir, "index")
	}
	resumeDir := globalFlags.resumeDir
	if resumeDir == "" {
		resumeDir = filepath.Join(dataDir, "resume")
	}
	catalogDir := globalFlags.catalogDir
	if catalogDir == "" {
		catalogDir = filepath.Join(dataDir, "catalog")
	}
	blockDir := filepath.Join(dataDir, "blocks")
	if err := os.MkdirAll(blockDir, 0o700); err != nil {
		return nil, nil, err
	}

	log, err := persist.NewFileLogger(filepath.Join(blockDir, "blockstore.log"))
	if err != nil {
		return nil, nil, err
	}
	store, err := blockstore.Open(filepath.Join(blockDir, "blocks"), log)
	if err != nil {
		return nil, nil, err
	}
	dedupEngine, err := dedup.Open(filepath.Join(blockDir, "dedup"), store)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	remote := memstore.New()
	factory := memstore.NewFactory(remote)

	params := crypto.NewKDFParamsWithSalt(crypto.DefaultKDFParams())
	key, err := crypto.DeriveKeyV2([]byte(password), params)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	cfg := config.Default()
	eng, err := pipeline.New(cfg, remote, factory, key, params, dedupEngine, indexDir, resumeDir, catalogDir)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	cleanup := func() {
		_ = eng.Close()
		_ = store.Close()
	}
	return eng, cleanup, nil
}

func backupCmd() *cobra.Command {
	var incremental bool
	cmd := &cobra.Command{
		Use:   "backup [paths...]",
		Short: "Create a full or incremental backup of the given paths",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) == 0 {
				die("backup requires at least one source path")
			}
			eng, cleanup, err := bootstrap()
			if err != nil {
				die(err)
			}
			defer cleanup()

			pbs := mpb.New(mpb.WithWidth(40))
			bar := pbs.AddSpinner(
				-1,
				mpb.SpinnerOnLeft,
				mpb.SpinnerStyle([]string{"∙∙∙", "●∙∙", "∙●∙", "∙∙●", "∙∙∙"}),
				mpb.BarFillerClearOnComplete(),
				mpb.PrependDecorators(decor.Name("backing up")),
			)
			m, err := eng.CreateBackup(context.Background(), args, incremental)
			bar.Increment()
			pbs.Wait()
			if err != nil {
				die("backup completed with errors:", err)
			}
			fmt.Printf("backup %s: %d files, %d bytes\n", m.BackupID, m.FileCount, m.TotalSize)
		},
	}
	cmd.Flags().BoolVar(&incremental, "incremental", false, "only upload files changed since the last backup")
	return cmd
}

func restoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore [backup-id] [target-dir]",
		Short: "Restore a backup to a local directory",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 2 {
				die("restore requires a backup id and a target directory")
			}
			eng, cleanup, err := bootstrap()
			if err != nil {
				die(err)
			}
			defer cleanup()

			result, err := eng.RestoreBackup(context.Background(), args[0], args[1])
			if err != nil {
				die("restore failed:", err)
			}
			fmt.Printf("restored %d file(s)\n", result.Restored)
			for _, f := range result.Failures {
				fmt.Printf("  FAILED %s: %s\n", f.LocalPath, f.Reason)
			}
		},
	}
	return cmd
}

func previewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview [backup-id]",
		Short: "Show a backup's file tree without downloading any file content",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				die("preview requires a backup id")
			}
			eng, cleanup, err := bootstrap()
			if err != nil {
				die(err)
			}
			defer cleanup()

			tree, err := eng.PreviewRestore(context.Background(), args[0])
			if err != nil {
				die("preview failed:", err)
			}
			fmt.Printf("backup %s: %d files, %d bytes\n", tree.BackupID, tree.FileCount, tree.TotalSize)
			for dir, entries := range tree.Dirs {
				fmt.Println(dir + "/")
				for _, e := range entries {
					fmt.Printf("  %s (%d bytes)\n", e.Name, e.Size)
				}
			}
		},
	}
	return cmd
}

func browseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browse [backup-id]",
		Short: "Validate a password against a backup's manifest before browsing it",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				die("browse requires a backup id")
			}
			eng, cleanup, err := bootstrap()
			if err != nil {
				die(err)
			}
			defer cleanup()

			pw := globalFlags.password
			if pw == "" {
				pw = build.Password()
			}
			m, err := eng.BrowseRestore(context.Background(), args[0], []byte(pw))
			if err != nil {
				die(err)
			}
			fmt.Printf("password accepted for backup %s (%d files)\n", m.BackupID, m.FileCount)
		},
	}
	return cmd
}

func verifyCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "verify [backup-id]",
		Short: "Verify a backup's files against the remote store",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				die("verify requires a backup id")
			}
			eng, cleanup, err := bootstrap()
			if err != nil {
				die(err)
			}
			defer cleanup()

			mode := manifest.VerifyQuick
			if full {
				mode = manifest.VerifyFull
			}
			results, err := eng.VerifyBackup(context.Background(), args[0], mode)
			if err != nil {
				die(err)
			}
			bad := 0
			for _, r := range results {
				if !r.OK {
					bad++
					fmt.Printf("  FAIL %s: %s\n", r.Entry.LocalPath, r.Error)
				}
			}
			fmt.Printf("%d/%d files OK\n", len(results)-bad, len(results))
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "download, decrypt, and rehash every file instead of checking remote existence only")
	return cmd
}
