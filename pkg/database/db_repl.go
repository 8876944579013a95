package database

import (
	"fmt"
	"strconv"
	"strings"

	"hashdb/pkg/hash"
	"hashdb/pkg/repl"
)

// Creates a DB Repl for the given database.
func DatabaseRepl(db *Database) *repl.REPL {
	r := repl.NewRepl()
	r.AddCommand("create", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleCreateTable(db, payload)
	}, "Create a table. usage: create hash table <table>")

	r.AddCommand("tables", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleTables(db, payload)
	}, "List the tables of the database. usage: tables")

	r.AddCommand("find", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleFind(db, payload)
	}, "Find an element. usage: find <key> from <table>")

	r.AddCommand("insert", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandleInsert(db, payload)
	}, "Insert an element. usage: insert <key> <value> into <table>")

	r.AddCommand("update", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandleUpdate(db, payload)
	}, "Update an element. usage: update <table> <key> <value>")

	r.AddCommand("put", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandlePut(db, payload)
	}, "Insert or replace an element. usage: put <key> <value> into <table>")

	r.AddCommand("delete", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandleDelete(db, payload)
	}, "Delete an element. usage: delete <key> from <table>")

	r.AddCommand("select", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleSelect(db, payload)
	}, "Select elements from a table. usage: select from <table>")

	r.AddCommand("pretty", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandlePretty(db, payload)
	}, "Print out the internal data representation. usage: pretty [bucket] from <table>")

	r.AddCommand("stats", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleStats(db, payload)
	}, "Print the shape of a table. usage: stats <table>")

	r.AddCommand("verify", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleVerify(db, payload)
	}, "Check the structure of a table. usage: verify <table>")

	r.AddCommand("sync", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return "", HandleSync(db, payload)
	}, "Write a table to disk. usage: sync <table>")

	r.AddCommand("backup", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleBackup(db, payload)
	}, "Copy the database folder. usage: backup <folder>")

	return r
}

// Handle create table.
func HandleCreateTable(d *Database, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: create hash table <table>
	if len(fields) != 4 || fields[2] != "table" {
		return "", fmt.Errorf("usage: create hash table <table>")
	}
	tableName := fields[3]
	if _, err = d.CreateTable(tableName, IndexType(fields[1])); err != nil {
		return "", fmt.Errorf("create error: %w", err)
	}
	return fmt.Sprintf("%s table %s created.\n", fields[1], tableName), nil
}

// Handle listing tables.
func HandleTables(d *Database, payload string) (output string, err error) {
	if len(strings.Fields(payload)) != 1 {
		return "", fmt.Errorf("usage: tables")
	}
	names, err := d.TableNames()
	if err != nil {
		return "", err
	}
	return strings.Join(names, "\n"), nil
}

// Handle find.
func HandleFind(d *Database, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: find <key> from <table>
	if len(fields) != 4 || fields[2] != "from" {
		return "", fmt.Errorf("usage: find <key> from <table>")
	}
	table, err := d.GetTable(fields[3])
	if err != nil {
		return "", fmt.Errorf("find error: %w", err)
	}
	entry, err := table.Find([]byte(fields[1]))
	if err != nil {
		return "", fmt.Errorf("find error: %w", err)
	}
	return fmt.Sprintf("found entry: (%s, %s)\n", entry.Key, entry.Value), nil
}

// Handle insert.
func HandleInsert(d *Database, payload string) (err error) {
	fields := strings.Fields(payload)
	// Usage: insert <key> <value> into <table>
	if len(fields) != 5 || fields[3] != "into" {
		return fmt.Errorf("usage: insert <key> <value> into <table>")
	}
	table, err := d.GetTable(fields[4])
	if err != nil {
		return fmt.Errorf("insert error: %w", err)
	}
	if err = table.Insert([]byte(fields[1]), []byte(fields[2])); err != nil {
		return fmt.Errorf("insert error: %w", err)
	}
	return nil
}

// Handle update.
func HandleUpdate(d *Database, payload string) (err error) {
	fields := strings.Fields(payload)
	// Usage: update <table> <key> <value>
	if len(fields) != 4 {
		return fmt.Errorf("usage: update <table> <key> <value>")
	}
	table, err := d.GetTable(fields[1])
	if err != nil {
		return fmt.Errorf("update error: %w", err)
	}
	if err = table.Update([]byte(fields[2]), []byte(fields[3])); err != nil {
		return fmt.Errorf("update error: %w", err)
	}
	return nil
}

// Handle put.
func HandlePut(d *Database, payload string) (err error) {
	fields := strings.Fields(payload)
	// Usage: put <key> <value> into <table>
	if len(fields) != 5 || fields[3] != "into" {
		return fmt.Errorf("usage: put <key> <value> into <table>")
	}
	table, err := d.GetTable(fields[4])
	if err != nil {
		return fmt.Errorf("put error: %w", err)
	}
	if err = table.Put([]byte(fields[1]), []byte(fields[2])); err != nil {
		return fmt.Errorf("put error: %w", err)
	}
	return nil
}

// Handle delete.
func HandleDelete(d *Database, payload string) (err error) {
	fields := strings.Fields(payload)
	// Usage: delete <key> from <table>
	if len(fields) != 4 || fields[2] != "from" {
		return fmt.Errorf("usage: delete <key> from <table>")
	}
	table, err := d.GetTable(fields[3])
	if err != nil {
		return fmt.Errorf("delete error: %w", err)
	}
	if err = table.Delete([]byte(fields[1])); err != nil {
		return fmt.Errorf("delete error: %w", err)
	}
	return nil
}

// Handle select.
func HandleSelect(d *Database, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: select from <table>
	if len(fields) != 3 || fields[1] != "from" {
		return "", fmt.Errorf("usage: select from <table>")
	}
	table, err := d.GetTable(fields[2])
	if err != nil {
		return "", fmt.Errorf("select error: %w", err)
	}
	results, err := table.Select()
	if err != nil {
		return "", fmt.Errorf("select error: %w", err)
	}
	w := new(strings.Builder)
	printResults(results, w)
	return w.String(), nil
}

// Handle pretty printing.
func HandlePretty(d *Database, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	w := new(strings.Builder)
	// Usage: pretty [bucket] from <table>
	switch {
	case len(fields) == 3 && fields[1] == "from":
		table, err := d.GetTable(fields[2])
		if err != nil {
			return "", fmt.Errorf("pretty error: %w", err)
		}
		if err = table.Print(w); err != nil {
			return "", fmt.Errorf("pretty error: %w", err)
		}
	case len(fields) == 4 && fields[2] == "from":
		bucket, err := strconv.Atoi(fields[1])
		if err != nil || bucket < 0 {
			return "", fmt.Errorf("pretty error: bad bucket %q", fields[1])
		}
		table, err := d.GetTable(fields[3])
		if err != nil {
			return "", fmt.Errorf("pretty error: %w", err)
		}
		if err = table.PrintPN(bucket, w); err != nil {
			return "", fmt.Errorf("pretty error: %w", err)
		}
	default:
		return "", fmt.Errorf("usage: pretty [bucket] from <table>")
	}
	return w.String(), nil
}

// Handle stats.
func HandleStats(d *Database, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: stats <table>
	if len(fields) != 2 {
		return "", fmt.Errorf("usage: stats <table>")
	}
	table, err := d.GetTable(fields[1])
	if err != nil {
		return "", fmt.Errorf("stats error: %w", err)
	}
	st, err := table.Stats()
	if err != nil {
		return "", fmt.Errorf("stats error: %w", err)
	}
	w := new(strings.Builder)
	st.Print(w)
	return w.String(), nil
}

// Handle verify.
func HandleVerify(d *Database, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: verify <table>
	if len(fields) != 2 {
		return "", fmt.Errorf("usage: verify <table>")
	}
	table, err := d.GetTable(fields[1])
	if err != nil {
		return "", fmt.Errorf("verify error: %w", err)
	}
	index, ok := table.(*hash.HashIndex)
	if !ok {
		return "", fmt.Errorf("verify error: %w", ErrBadIndexType)
	}
	if _, err = hash.IsHash(index.GetTable()); err != nil {
		return "", fmt.Errorf("verify error: %w", err)
	}
	return fmt.Sprintf("table %s is consistent.\n", fields[1]), nil
}

// Handle sync.
func HandleSync(d *Database, payload string) (err error) {
	fields := strings.Fields(payload)
	// Usage: sync <table>
	if len(fields) != 2 {
		return fmt.Errorf("usage: sync <table>")
	}
	table, err := d.GetTable(fields[1])
	if err != nil {
		return fmt.Errorf("sync error: %w", err)
	}
	if err = table.Sync(); err != nil {
		return fmt.Errorf("sync error: %w", err)
	}
	return nil
}

// Handle backup.
func HandleBackup(d *Database, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: backup <folder>
	if len(fields) != 2 {
		return "", fmt.Errorf("usage: backup <folder>")
	}
	if err = d.Backup(fields[1]); err != nil {
		return "", fmt.Errorf("backup error: %w", err)
	}
	return fmt.Sprintf("database copied to %s.\n", fields[1]), nil
}
