package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/perimeter/pkg/storage"
)

var (
	dataDir    = flag.String("data-dir", "./perimeter-data", "Perimeter data directory holding perimeter.db")
	dsn        = flag.String("postgres-dsn", os.Getenv("PERIMETER_POSTGRES_DSN"), "Target PostgreSQL DSN (default $PERIMETER_POSTGRES_DSN)")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before migration (default: <data-dir>/perimeter.db.backup)")
	bucket     = flag.Duration("event-bucket", time.Second, "occurred_at bucket width of the event idempotency key; must match the engine config")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Perimeter Store Migration Tool - bbolt → PostgreSQL")
	log.Println("===================================================")

	dbPath := filepath.Join(*dataDir, storage.DBFileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}
	if *dsn == "" && !*dryRun {
		log.Fatal("A target DSN is required: pass -postgres-dsn or set PERIMETER_POSTGRES_DSN")
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Create backup unless in dry-run mode
	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	if err := migrate(ctx, dbPath, *dryRun); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
	} else {
		log.Println("\n✓ Migration completed successfully!")
		log.Printf("The bbolt database at %s is left untouched.", dbPath)
		log.Println("Point the engine at PostgreSQL with store.backend: postgres before restarting it.")
	}
}

func migrate(ctx context.Context, dbPath string, dryRun bool) error {
	opts := storage.Options{EventBucket: *bucket}

	source, err := storage.NewBoltStore(filepath.Dir(dbPath), opts)
	if err != nil {
		return fmt.Errorf("failed to open bolt store: %w", err)
	}
	defer source.Close()

	snap, err := source.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	log.Printf("Found %d samples, %d memberships, %d events, %d geofences",
		len(snap.Samples), len(snap.Memberships), len(snap.Events), len(snap.Geofences))

	if dryRun {
		log.Println("\n[DRY RUN] Would perform the following operations:")
		log.Println("1. Apply the PostgreSQL schema")
		log.Println("2. Import every record in one transaction")
		log.Println("3. Leave the bbolt database in place for rollback")
		return nil
	}

	target, err := storage.NewPostgresStore(ctx, *dsn, opts)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer target.Close()

	if err := target.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Println("✓ Schema applied")

	if err := target.Import(ctx, snap); err != nil {
		return err
	}
	log.Printf("✓ Imported %d records", len(snap.Samples)+len(snap.Memberships)+len(snap.Events)+len(snap.Geofences))
	return nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
