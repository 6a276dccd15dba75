package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkstudio/internal/auth"
	"inkstudio/internal/domain"
	"inkstudio/internal/policy"
)

func testCmd() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	return cmd, &out
}

func TestValidateCmd(t *testing.T) {
	cmd, out := testCmd()
	require.NoError(t, runValidate(cmd, []string{"testdata/rules.yaml"}))
	assert.Contains(t, out.String(), "4 rules ok")
	assert.Contains(t, out.String(), "[booking=3]")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rules:\n  - name: x\n    scope: y\n    action: BLOCK\n    when: {\"~\": [1]}\n"), 0o600))
	err := runValidate(cmd, []string{bad})
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

func TestEvalCmd(t *testing.T) {
	defer func() { evalScope, evalContext = "", "{}" }()

	cases := []struct {
		ctx  string
		want domain.Decision
		rule string
	}{
		{`{"client":{"age":16}}`, domain.Block, "under-18"},
		{`{"client":{"age":30},"session":{"hours":7}}`, domain.Review, "large-piece"},
		{`{"client":{"age":30,"visits":2},"session":{"hours":2}}`, domain.Allow, ""},
	}
	for _, tc := range cases {
		cmd, out := testCmd()
		evalScope, evalContext = "Booking", tc.ctx
		require.NoError(t, runEval(cmd, []string{"testdata/rules.yaml"}))

		var res domain.PolicyResult
		require.NoError(t, json.Unmarshal(out.Bytes(), &res), out.String())
		assert.Equal(t, tc.want, res.Decision, tc.ctx)
		if tc.rule != "" {
			require.NotNil(t, res.RuleName)
			assert.Equal(t, tc.rule, *res.RuleName)
		} else {
			assert.Equal(t, []int64{3}, res.Matched)
		}
	}

	cmd, _ := testCmd()
	evalScope, evalContext = "booking", `{not json`
	assert.Error(t, runEval(cmd, []string{"testdata/rules.yaml"}))
}

type fakeUpserter struct {
	mu       sync.Mutex
	got      []string
	inFlight atomic.Int32
	peak     atomic.Int32
	fail     string
}

func (f *fakeUpserter) UpsertRule(ctx context.Context, r domain.PolicyRule) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	if r.ID != 0 {
		return errors.New("positional id leaked into upsert")
	}
	if r.Name == f.fail {
		return domain.ErrInvalid
	}
	f.mu.Lock()
	f.got = append(f.got, r.Name)
	f.mu.Unlock()
	return nil
}

func TestImportRules_BoundedWorkers(t *testing.T) {
	rules, err := policy.LoadRuleFile("testdata/rules.yaml")
	require.NoError(t, err)

	up := &fakeUpserter{fail: "long-message"}
	ok, failed := importRules(context.Background(), up, rules, 2)
	assert.Equal(t, 3, ok)
	assert.Equal(t, 1, failed)
	assert.ElementsMatch(t, []string{"under-18", "large-piece", "returning-client"}, up.got)
	assert.LessOrEqual(t, up.peak.Load(), int32(2))
}

func TestImportRules_CancelledCountsRemainder(t *testing.T) {
	rules, err := policy.LoadRuleFile("testdata/rules.yaml")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, failed := importRules(ctx, &fakeUpserter{}, rules, 1)
	assert.Equal(t, 0, ok)
	assert.Equal(t, len(rules), failed)
}

func TestTokenCmd(t *testing.T) {
	defer func(c string) { cfg.JWTSecret = c }(cfg.JWTSecret)

	cmd, out := testCmd()
	cfg.JWTSecret = ""
	assert.Error(t, runToken(cmd, nil))

	cfg.JWTSecret = "s3cret"
	tokenSubject, tokenRole, tokenTTL = "ops@studio", auth.RoleAdmin, time.Hour
	require.NoError(t, runToken(cmd, nil))

	claims, err := auth.Verify("s3cret", string(bytes.TrimSpace(out.Bytes())))
	require.NoError(t, err)
	assert.Equal(t, "ops@studio", claims.Subject)
	assert.Equal(t, auth.RoleAdmin, claims.Role)
}
