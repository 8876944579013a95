// Global database config.
package config

// Name of the database.
const DBName = "hashdb"

// Prompt printed by REPL.
const Prompt = DBName + "> "

// The maximum number of pages that can be in a pager's buffer at once.
const MaxPagesInBuffer = 64

// Page size of new tables, in bytes. Must be a power of two between 512 and
// 32768.
const DefaultPageSize = 4096

// Average number of keys per bucket before a table grows by one bucket.
const DefaultFillFactor = 65

// File extension of table files inside a database folder.
const TableExt = ".hdb"

// Name of the REPL history file, kept in the database folder.
const HistoryFileName = ".hashdb_history"

// Return prompt if requested, else "".
func GetPrompt(flag bool) string {
	if flag {
		return Prompt
	}
	return ""
}
