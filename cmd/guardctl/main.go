package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/oarkflow/date"
	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/taskhive/guard"
	"github.com/taskhive/guard/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	case "audit-export":
		handleAuditExport()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("guardctl - administration tool for guard")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  guardctl validate <config>                       - Validate a config document")
	fmt.Println("  guardctl stats <config>                          - Show config statistics")
	fmt.Println("  guardctl apply <config> <db>                     - Seed a sqlite database from a config")
	fmt.Println("  guardctl audit-export <db> <tenant> [from] [to]  - Export a tenant's audit log as CSV")
	fmt.Println()
	fmt.Println("Config formats: .yaml, .yml, .json")
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: guardctl validate <config>")
		os.Exit(1)
	}
	if _, err := guard.LoadConfig(os.Args[2]); err != nil {
		fmt.Printf("Invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s is valid\n", os.Args[2])
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: guardctl stats <config>")
		os.Exit(1)
	}
	cfg, err := guard.LoadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	grants := 0
	for _, r := range cfg.Roles {
		grants += len(r.Grants)
	}
	fmt.Printf("Tenants:     %d\n", len(cfg.Tenants))
	fmt.Printf("Teams:       %d\n", len(cfg.Teams))
	fmt.Printf("Roles:       %d (%d grants)\n", len(cfg.Roles), grants)
	fmt.Printf("Memberships: %d\n", len(cfg.Memberships))
}

func handleApply() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: guardctl apply <config> <db>")
		os.Exit(1)
	}
	cfg, err := guard.LoadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	db, err := openDB(os.Args[3])
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	engine, err := guard.NewEngine(
		stores.NewSQLMembershipStore(db),
		stores.NewSQLRoleStore(db),
		stores.NewSQLAuditStore(db),
		guard.WithTenantStore(stores.NewSQLTenantStore(db)),
		guard.WithPhusluLogger(),
		guard.WithAuditBufferSize(cfg.Engine.AuditBuffer),
		guard.WithSnapshotTTL(cfg.Engine.SnapshotTTL),
	)
	if err != nil {
		fmt.Printf("Error building engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()
	if err := engine.ApplyConfig(context.Background(), cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Applied %s to %s\n", os.Args[2], os.Args[3])
}

func handleAuditExport() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: guardctl audit-export <db> <tenant> [from] [to]")
		os.Exit(1)
	}
	db, err := openDB(os.Args[2])
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	filter := guard.AuditFilter{TenantID: os.Args[3]}
	if len(os.Args) > 4 {
		t, err := date.Parse(os.Args[4])
		if err != nil {
			fmt.Printf("Bad from time %q: %v\n", os.Args[4], err)
			os.Exit(1)
		}
		filter.From = t
	}
	if len(os.Args) > 5 {
		t, err := date.Parse(os.Args[5])
		if err != nil {
			fmt.Printf("Bad to time %q: %v\n", os.Args[5], err)
			os.Exit(1)
		}
		filter.To = t
	}
	audit := guard.NewAuditLogger(stores.NewSQLAuditStore(db))
	defer audit.Close()
	if err := audit.ExportCSV(context.Background(), os.Stdout, filter); err != nil {
		fmt.Printf("Error exporting audit log: %v\n", err)
		os.Exit(1)
	}
}

func openDB(path string) (*squealx.DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db := squealx.NewDb(sqlDB, "sqlite", "guard")
	if err := stores.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
