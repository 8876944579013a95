package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hashdb/pkg/database"
	"hashdb/pkg/hash"
	"hashdb/pkg/repl"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var MAX_DELAY int64 = 2

// Get delay jitter.
func jitter() time.Duration {
	return time.Duration(rand.Int63n(MAX_DELAY)) * time.Millisecond
}

// Parse workload
func parseWorkload(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	var workload []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			workload = append(workload, line)
		}
	}
	return workload, scanner.Err()
}

// generateWorkload makes n random commands against table t over a key space
// of keys keys. Values are sometimes larger than a page to exercise big pairs.
func generateWorkload(n, keys, pageSize int) []string {
	workload := make([]string, 0, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key%d", rand.Intn(keys))
		value := fmt.Sprintf("v%d", rand.Int63())
		if rand.Intn(50) == 0 {
			value = strings.Repeat(value, pageSize/len(value)+1)
		}
		switch op := rand.Intn(10); {
		case op < 5:
			workload = append(workload, fmt.Sprintf("put %s %s into t", key, value))
		case op < 7:
			workload = append(workload, fmt.Sprintf("find %s from t", key))
		case op < 8:
			workload = append(workload, fmt.Sprintf("insert %s %s into t", key, value))
		default:
			workload = append(workload, fmt.Sprintf("delete %s from t", key))
		}
	}
	return workload
}

// Expected failures of a random workload.
var benign = []error{hash.ErrKeyNotFound, hash.ErrKeyExists}

// handleWorkload runs every n-th command starting at idx.
func handleWorkload(ctx context.Context, r *repl.REPL, workload []string, idx int, n int) error {
	commands := r.GetCommands()
	for i := idx; i < len(workload); i += n {
		if err := ctx.Err(); err != nil {
			return err
		}
		time.Sleep(jitter())
		line := workload[i]
		command, ok := commands[strings.Fields(line)[0]]
		if !ok {
			return fmt.Errorf("%q: %w", line, repl.ErrCommandNotFound)
		}
		if _, err := command(line, nil); err != nil {
			isBenign := false
			for _, b := range benign {
				isBenign = isBenign || errors.Is(err, b)
			}
			if !isBenign {
				return fmt.Errorf("%q: %w", line, err)
			}
		}
	}
	return nil
}

// Start the database.
func main() {
	var workloadFlag = flag.String("workload", "", "workload file of REPL commands on table t (default: random)")
	var opsFlag = flag.Int("ops", 10000, "number of random commands when no workload is given")
	var keysFlag = flag.Int("keys", 2000, "size of the random key space")
	var nFlag = flag.Int("n", 4, "number of goroutines to run")
	var pageSizeFlag = flag.Int("pagesize", 1024, "page size of the table")
	var verifyFlag = flag.Bool("verify", true, "verify the table at the end of the workload")
	var dbFlag = flag.String("db", "", "DB folder (default: a temporary folder)")
	flag.Parse()

	folder := *dbFlag
	if folder == "" {
		folder = filepath.Join(os.TempDir(), "hashdb-stress-"+uuid.NewString())
		defer os.RemoveAll(folder)
	}
	db, err := database.Open(folder, hash.WithPageSize(*pageSizeFlag), hash.WithFillFactor(8))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer db.Close()
	if _, err := db.CreateTable("t", database.HashIndexType); err != nil && !errors.Is(err, database.ErrTableExists) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var workload []string
	if *workloadFlag != "" {
		if workload, err = parseWorkload(*workloadFlag); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	} else {
		workload = generateWorkload(*opsFlag, *keysFlag, *pageSizeFlag)
	}

	start := time.Now()
	r := database.DatabaseRepl(db)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < *nFlag; i++ {
		idx := i
		g.Go(func() error {
			return handleWorkload(ctx, r, workload, idx, *nFlag)
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("ran %d commands on %d goroutines in %v\n", len(workload), *nFlag, time.Since(start))

	index, err := db.GetTable("t")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if st, err := index.Stats(); err == nil {
		st.Print(os.Stdout)
	}
	// Verify the structure of the index.
	if *verifyFlag {
		if _, err := hash.IsHash(index.(*hash.HashIndex).GetTable()); err != nil {
			fmt.Fprintln(os.Stderr, "verify failed:", err)
			os.Exit(1)
		}
		fmt.Println("table t verified")
	}
}
