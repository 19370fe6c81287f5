package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/avossen/hookline/internal/config"
	"github.com/avossen/hookline/internal/db"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the hookline database",
		Long:  "Creates the MySQL database and migrates all tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config from %s\n", configPath)

	adminDB, err := db.ConnectAdmin(connectOpts(cfg))
	if err != nil {
		return fmt.Errorf("connect to MySQL at %s:%d: %w", cfg.Database.Host, cfg.Database.Port, err)
	}
	fmt.Fprintf(out, "Connected to MySQL at %s:%d\n", cfg.Database.Host, cfg.Database.Port)

	if err := db.CreateDatabase(adminDB, cfg.Database.Name); err != nil {
		return err
	}
	fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Name)

	gormDB, err := db.Connect(connectOpts(cfg))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Database.Name, err)
	}

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	fmt.Fprintln(out, "\nHookline database initialized successfully.")
	return nil
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		dbName     string
		yes        bool
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-initialize the hookline database",
		Long: `Drops the hookline database and optionally re-creates it from config.

By default, reads the config file to determine the database name, drops it,
then re-initializes (create + migrate). With --database, drops the named
database without re-init.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, dbName, yes || force)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hookline.yaml", "path to hookline config file")
	cmd.Flags().StringVar(&dbName, "database", "", "explicit database name (skip re-init)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation prompt (alias for --yes)")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath, dbName string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	// Determine database name and whether to re-init.
	var cfg *config.Config
	reinit := false

	if dbName == "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		dbName = cfg.Database.Name
		reinit = true
		fmt.Fprintf(out, "Loaded config from %s\n", configPath)
	}

	if !skipConfirm {
		if !confirmReset(cmd, dbName) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	opts := db.ConnectOpts{Host: "127.0.0.1", Port: 3306, User: "root"}
	if cfg != nil {
		opts = connectOpts(cfg)
	}

	adminDB, err := db.ConnectAdmin(opts)
	if err != nil {
		return fmt.Errorf("connect to MySQL at %s:%d: %w", opts.Host, opts.Port, err)
	}
	fmt.Fprintf(out, "Connected to MySQL at %s:%d\n", opts.Host, opts.Port)

	if err := db.DropDatabase(adminDB, dbName); err != nil {
		return err
	}
	fmt.Fprintf(out, "Dropped database %s\n", dbName)

	if !reinit {
		fmt.Fprintln(out, "\nDatabase dropped successfully.")
		return nil
	}

	if err := db.CreateDatabase(adminDB, dbName); err != nil {
		return err
	}
	fmt.Fprintf(out, "Database %s re-created\n", dbName)

	gormDB, err := db.Connect(opts)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", dbName, err)
	}

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	fmt.Fprintln(out, "\nHookline database reset successfully.")
	return nil
}

func confirmReset(cmd *cobra.Command, dbName string) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	fmt.Fprintf(out, "WARNING: This will permanently delete all data in database %q.\n", dbName)
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}

func connectOpts(cfg *config.Config) db.ConnectOpts {
	return db.ConnectOpts{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Name:     cfg.Database.Name,
	}
}

// connectFromConfig loads config and returns a GORM DB connection.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(connectOpts(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", cfg.Database.Name, err)
	}
	return cfg, gormDB, nil
}
