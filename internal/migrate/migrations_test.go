package migrate_test

import (
	"testing"

	"lobbyline/internal/db"
	"lobbyline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(conn); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	applied, err := migrate.Status(conn)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 2 || applied[0].Name != "0001_init.sql" || applied[1].Name != "0002_ticket_owner.sql" {
		t.Fatalf("unexpected applied set %+v", applied)
	}
	pending, err := migrate.Pending(conn)
	if err != nil || pending != 0 {
		t.Fatalf("pending %d %v", pending, err)
	}
	for _, table := range []string{"branches", "tickets", "ticket_transitions", "events"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
	var owners int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('tickets') WHERE name='owner'`).Scan(&owners); err != nil || owners != 1 {
		t.Fatalf("tickets.owner missing: %d %v", owners, err)
	}
}
