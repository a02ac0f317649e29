package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportErrorCount(t *testing.T) {
	r := &Report{Findings: []Finding{
		{Severity: SeverityError, Description: "unchecked return"},
		{Severity: SeverityWarning, Description: "long function"},
		{Severity: SeverityError, Description: "injection risk"},
		{Severity: SeverityInfo, Description: "style"},
	}}
	assert.Equal(t, 2, r.ErrorCount())
}

func TestReportSummarizeWorstFirst(t *testing.T) {
	r := &Report{
		AnalyzersRun: 2,
		Findings: []Finding{
			{Severity: SeverityInfo, Description: "style nit", Location: "x.js:3"},
			{Severity: SeverityError, Description: "injection risk", Location: "x.js:10", Analyzer: "semgrep"},
		},
		Failed: []string{"slither"},
	}
	s := r.Summarize()
	assert.Contains(t, s, "2 analyzers, 2 findings (1 errors)")
	assert.Less(t, indexOf(s, "injection risk"), indexOf(s, "style nit"))
	assert.Contains(t, s, "[error] injection risk (x.js:10) <semgrep>")
	assert.Contains(t, s, "analyzer slither produced no result")
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestAnalyzerPathFilters(t *testing.T) {
	a := Analyzer{Name: "js-lint", PathFilters: []string{"**/*.js", "**/*.mjs"}}
	assert.True(t, a.appliesTo("artifacts/wf-1/release.js"))
	assert.False(t, a.appliesTo("artifacts/wf-1/release.py"))

	all := Analyzer{Name: "generic"}
	assert.True(t, all.appliesTo("anything"))
}

func TestRunnerParsesFindings(t *testing.T) {
	script := filepath.Join(t.TempDir(), "analyzer.sh")
	require.NoError(t, os.WriteFile(script, []byte(
		"#!/bin/sh\necho '[{\"severity\":\"error\",\"description\":\"bad call\",\"location\":\"a.js:1\"}]'\n",
	), 0o755))

	r := NewRunner([]Analyzer{{
		Name:    "echo-analyzer",
		Command: script,
	}})

	report, err := r.Run(context.Background(), "a.js")
	require.NoError(t, err)
	assert.Equal(t, 1, report.AnalyzersRun)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, SeverityError, report.Findings[0].Severity)
	assert.Equal(t, "echo-analyzer", report.Findings[0].Analyzer)
	assert.Equal(t, 1, report.ErrorCount())
}

func TestRunnerRecordsFailedAnalyzer(t *testing.T) {
	r := NewRunner([]Analyzer{{
		Name:    "broken",
		Command: "false",
		Timeout: 2 * time.Second,
	}}, WithMaxAttempts(2))

	report, err := r.Run(context.Background(), "a.js")
	require.NoError(t, err)
	assert.Zero(t, report.AnalyzersRun)
	assert.Equal(t, []string{"broken"}, report.Failed)
}

func TestSplitCommandQuoting(t *testing.T) {
	assert.Equal(t,
		[]string{"sh", "-c", "echo hi"},
		splitCommand(`sh -c "echo hi"`))
	assert.Equal(t,
		[]string{"analyzer", "--rules", "path with spaces"},
		splitCommand(`analyzer --rules 'path with spaces'`))
}
