package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/koba/db-sandbox/internal/backup"
	"github.com/koba/db-sandbox/internal/commit"
	"github.com/koba/db-sandbox/internal/database"
	"github.com/koba/db-sandbox/internal/overlay"
	"github.com/koba/db-sandbox/internal/schema"
	"github.com/koba/db-sandbox/internal/session"
	"github.com/koba/db-sandbox/internal/sqlgen"
	"github.com/koba/db-sandbox/internal/validate"
)

var (
	storePath   string
	limit       int
	hideDeleted bool
	atomic      bool
	dropApplied bool
	assumeYes   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dbsandbox",
	Short: "Mutation sandbox recovery tool",
	Long:  `A companion tool for sandbox journals backed up by the client: preview, validate, compile and apply staged changes that survived a crash.`,
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List stored journal backups",
	RunE:  runBackups,
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the staged changes backed up for the configured connection",
	RunE:  runShow,
}

var previewCmd = &cobra.Command{
	Use:   "preview <table>",
	Short: "Preview a table with the backed-up changes overlaid",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreview,
}

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Validate the backed-up journal and print the migration SQL",
	RunE:  runScript,
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Validate and apply the backed-up journal",
	RunE:  runApply,
}

var discardCmd = &cobra.Command{
	Use:   "discard",
	Short: "Drop the backed-up journal for the configured connection",
	RunE:  runDiscard,
}

func init() {
	defaultStore := "backups.db"
	if home, err := os.UserHomeDir(); err == nil {
		defaultStore = filepath.Join(home, ".dbsandbox", "backups.db")
	}
	rootCmd.PersistentFlags().StringVar(&storePath, "store", defaultStore, "Path to the local backup store")

	previewCmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of base rows to fetch")
	previewCmd.Flags().BoolVar(&hideDeleted, "hide-deleted", false, "Hide rows staged for deletion instead of marking them")

	applyCmd.Flags().BoolVar(&atomic, "atomic", true, "Apply the batch in a single transaction")
	applyCmd.Flags().BoolVar(&dropApplied, "drop-applied", false, "On non-atomic partial failure, drop applied changes from the backup")

	discardCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Skip the discard confirmation")

	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(scriptCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(discardCmd)
}

func openStore() (*backup.Manager, error) {
	store, err := backup.Open(storePath, backup.WithWarnFunc(func(err error) {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to open backup store: %w", err)
	}
	return store, nil
}

// restoreSession builds a sandbox session for the configured connection and
// imports its crash-recovery backup.
func restoreSession(store *backup.Manager, config database.Config) (*session.Manager, *session.Session, error) {
	manager, err := session.NewManager(store)
	if err != nil {
		return nil, nil, err
	}

	s := manager.Activate(config.ConnectionID())
	record, err := manager.PendingRestore(s)
	if err != nil {
		return nil, nil, err
	}
	if record == nil {
		return nil, nil, fmt.Errorf("no backup found for connection %s", config.ConnectionID())
	}
	manager.AcceptRestore(s, record)

	fmt.Printf("Restored %d staged changes saved at %s\n\n", s.Journal.Len(), record.SavedAt.Local().Format("2006-01-02 15:04:05"))
	return manager, s, nil
}

func runBackups(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := store.Connections()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No backups stored.")
		return nil
	}

	for _, id := range ids {
		record, err := store.Restore(id)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d changes, saved %s\n", id, len(record.Changes), record.SavedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	config, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	_, s, err := restoreSession(store, config)
	if err != nil {
		return err
	}

	for i, rec := range s.Journal.List(nil) {
		fmt.Printf("%3d. %-6s %s\n", i+1, rec.Kind, rec.Target)
		if len(rec.Identity) > 0 {
			fmt.Printf("     key: %v\n", rec.Identity)
		}
		if len(rec.Payload) > 0 {
			fmt.Printf("     set: %v\n", rec.Payload)
		}
	}
	return nil
}

func runPreview(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	config, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	db, err := database.New(config)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	if err := db.Connect(cmd.Context()); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	manager, s, err := restoreSession(store, config)
	if err != nil {
		return err
	}

	ref := schema.TableRef{Namespace: config.Namespace(), Table: args[0]}
	tableSchema, err := db.TableSchema(cmd.Context(), ref)
	if err != nil {
		return fmt.Errorf("failed to fetch schema: %w", err)
	}

	columns, data, err := db.TableData(cmd.Context(), ref, limit)
	if err != nil {
		return fmt.Errorf("failed to fetch table data: %w", err)
	}

	opts := overlay.Options{DeleteDisplay: manager.Preferences().DeleteDisplay}
	if hideDeleted {
		opts.DeleteDisplay = overlay.DeleteHidden
	}

	result := overlay.Apply(
		&overlay.BaseResult{Columns: columns, Rows: data},
		s.Journal.List(&ref),
		tableSchema,
		opts,
	)

	renderOverlay(result)
	return nil
}

func renderOverlay(result *overlay.Result) {
	for i, row := range result.Rows {
		marker := " "
		if meta, ok := result.Meta[i]; ok {
			switch {
			case meta.Inserted:
				marker = "+"
			case meta.Deleted:
				marker = "x"
			case meta.Modified:
				marker = "~"
			}
		}
		fmt.Printf("%s ", marker)
		for _, col := range result.Columns {
			fmt.Printf("%v\t", row[col])
		}
		fmt.Println()
	}

	fmt.Println()
	fmt.Printf("Inserted: %d  Modified: %d  Deleted: %d  Hidden: %d\n",
		result.Stats.Inserted, result.Stats.Modified, result.Stats.Deleted, result.Stats.Hidden)
	if len(result.Unmatched) > 0 {
		fmt.Printf("Unmatched changes: %d (rows outside the fetched page or missing key columns)\n", len(result.Unmatched))
	}
}

// buildOrchestrator wires the validation engine, compiler and executor for
// the restored session.
func buildOrchestrator(cmd *cobra.Command, config database.Config, manager *session.Manager, s *session.Session, opts commit.Options) (*commit.Orchestrator, func(), error) {
	db, err := database.New(config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database: %w", err)
	}
	if err := db.Connect(cmd.Context()); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	validator := validate.New(s.Journal, database.NewCache(db))
	orchestrator := commit.New(s.Journal, validator, sqlgen.New(config.Type), database.NewExecutor(db, config.Type), opts)
	orchestrator.OnCommitted(func() {
		manager.CompleteCommit(s.ID)
	})

	return orchestrator, func() { db.Close() }, nil
}

func runScript(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	config, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	manager, s, err := restoreSession(store, config)
	if err != nil {
		return err
	}

	orchestrator, closeDB, err := buildOrchestrator(cmd, config, manager, s, commit.Options{})
	if err != nil {
		return err
	}
	defer closeDB()

	script, err := orchestrator.GenerateScript(cmd.Context())
	if err != nil {
		return err
	}

	for _, warning := range script.Warnings {
		fmt.Printf("-- Warning: %s\n", warning)
	}
	fmt.Printf("-- %d statements\n\n", script.StatementCount)
	fmt.Println(script.SQL)
	return nil
}

func runApply(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	config, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	manager, s, err := restoreSession(store, config)
	if err != nil {
		return err
	}

	orchestrator, closeDB, err := buildOrchestrator(cmd, config, manager, s, commit.Options{
		DropAppliedOnPartialFailure: dropApplied,
	})
	if err != nil {
		return err
	}
	defer closeDB()

	total := s.Journal.Len()
	result, err := orchestrator.Commit(cmd.Context(), atomic)
	if err != nil {
		return err
	}

	for _, warning := range result.Warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
	}

	if result.Success {
		fmt.Printf("Applied %d of %d changes.\n", result.AppliedCount, total)
		return nil
	}

	fmt.Printf("Commit failed: %s\n", result.Error)
	for _, fc := range result.FailedChanges {
		fmt.Printf("  change %d: %s\n", fc.Index, fc.Error)
	}
	// Keep the backup in sync with whatever the orchestrator retained.
	if err := store.Snapshot(config.ConnectionID(), s.Journal.List(nil)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	return nil
}

func runDiscard(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	config, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	manager, err := session.NewManager(store)
	if err != nil {
		return err
	}
	if err := confirmDiscard(manager.Preferences(), assumeYes); err != nil {
		return err
	}

	if err := store.Clear(config.ConnectionID()); err != nil {
		return err
	}
	fmt.Printf("Discarded backup for %s\n", config.ConnectionID())
	return nil
}

// confirmDiscard enforces the confirm_discard preference: discarding is
// irreversible, so it needs an explicit --yes while the preference is on.
func confirmDiscard(prefs session.Preferences, assumeYes bool) error {
	if prefs.ConfirmDiscard && !assumeYes {
		return fmt.Errorf("discard is irreversible, re-run with --yes to confirm")
	}
	return nil
}
