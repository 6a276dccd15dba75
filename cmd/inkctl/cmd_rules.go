package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	redisad "inkstudio/internal/adapters/redis"
	"inkstudio/internal/app"
	"inkstudio/internal/domain"
	"inkstudio/internal/policy"
	mysqlrepo "inkstudio/internal/storage/mysql"
)

var validateCmd = &cobra.Command{
	Use:   "validate <rules.yaml>",
	Short: "Check that every rule in a file compiles",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	rules, err := policy.LoadRuleFile(args[0])
	if err != nil {
		return err
	}
	scopes := map[string]int{}
	for _, r := range rules {
		scopes[strings.ToLower(r.Scope)]++
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules ok", args[0], len(rules))
	for s, n := range scopes {
		fmt.Fprintf(cmd.OutOrStdout(), " [%s=%d]", s, n)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

var (
	evalScope   string
	evalContext string
)

var evalCmd = &cobra.Command{
	Use:   "eval <rules.yaml>",
	Short: "Evaluate a context against the rules of one scope",
	Args:  cobra.ExactArgs(1),
	RunE:  runEval,
}

func init() {
	evalCmd.Flags().StringVar(&evalScope, "scope", "", "Rule scope to evaluate (required)")
	evalCmd.Flags().StringVar(&evalContext, "context", "{}", "Context object as JSON")
	_ = evalCmd.MarkFlagRequired("scope")
}

func runEval(cmd *cobra.Command, args []string) error {
	rules, err := policy.LoadRuleFile(args[0])
	if err != nil {
		return err
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(evalContext), &data); err != nil {
		return fmt.Errorf("--context: %w", err)
	}
	var scoped []domain.PolicyRule
	for _, r := range rules {
		if strings.EqualFold(r.Scope, strings.TrimSpace(evalScope)) {
			scoped = append(scoped, r)
		}
	}
	res := policy.Evaluate(scoped, data)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

var importWorkers int

var importCmd = &cobra.Command{
	Use:   "import <rules.yaml>",
	Short: "Upsert rules from a file into the rule table",
	Long:  `Rules are matched by scope and name; existing rules are replaced, others are created.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	importCmd.Flags().IntVar(&importWorkers, "workers", 0, "Concurrent upserts (default IMPORT_WORKERS)")
}

func runImport(cmd *cobra.Command, args []string) error {
	rules, err := policy.LoadRuleFile(args[0])
	if err != nil {
		return err
	}
	workers := importWorkers
	if workers <= 0 {
		workers = cfg.ImportWorkers
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return fmt.Errorf("sql.Open: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	cache := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer cache.Close()

	svc := app.NewPolicyService(mysqlrepo.New(db), cache, nil, cfg.CacheTTL)
	log.Info().Str("file", args[0]).Int("rules", len(rules)).Int("workers", workers).Msg("import starting")

	ok, failed := importRules(ctx, svc, rules, workers)
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d rules, %d failed\n", ok, failed)
	if failed > 0 {
		return fmt.Errorf("%d rules failed to import", failed)
	}
	return nil
}

type ruleUpserter interface {
	UpsertRule(ctx context.Context, r domain.PolicyRule) error
}

// importRules upserts rules with at most workers in flight and reports how
// many succeeded and failed.
func importRules(ctx context.Context, svc ruleUpserter, rules []domain.PolicyRule, workers int) (int, int) {
	if workers <= 0 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))
	var (
		wg         sync.WaitGroup
		ok, failed atomic.Int64
	)
	for _, r := range rules {
		// acquire before launching the goroutine; release inside it
		if err := sem.Acquire(ctx, 1); err != nil {
			log.Warn().Err(err).Msg("import interrupted")
			break
		}
		wg.Add(1)
		go func(r domain.PolicyRule) {
			defer wg.Done()
			defer sem.Release(1)

			// IDs from the file are positional; the table assigns its own
			r.ID = 0
			if err := svc.UpsertRule(ctx, r); err != nil {
				failed.Add(1)
				log.Warn().Str("scope", r.Scope).Str("name", r.Name).Err(err).Msg("upsert failed")
				return
			}
			ok.Add(1)
			log.Debug().Str("scope", r.Scope).Str("name", r.Name).Msg("upsert ok")
		}(r)
	}
	wg.Wait()
	skipped := int64(len(rules)) - ok.Load() - failed.Load()
	return int(ok.Load()), int(failed.Load() + skipped)
}
