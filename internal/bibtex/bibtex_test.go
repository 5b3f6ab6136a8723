package bibtex

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texmill/internal/runner"
	"texmill/internal/tex"
)

// stubRunner records invocations and plays back a scripted result.
type stubRunner struct {
	commands []runner.Command
	exitCode int
	killed   bool
}

func (s *stubRunner) Run(_ context.Context, cmd runner.Command) (*runner.Result, error) {
	s.commands = append(s.commands, cmd)
	res := &runner.Result{ExitCode: s.exitCode, Success: true}
	if s.killed {
		res.Killed = true
		res.KillReason = "timeout after 1s"
		res.ExitCode = -1
	}
	return res, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func touch(t *testing.T, path string, when time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(path, when, when))
}

func undefLog(cites ...string) *tex.LogInfo {
	info := &tex.LogInfo{}
	for _, c := range cites {
		info.Diagnostics = append(info.Diagnostics, tex.Diagnostic{
			Severity: tex.SeverityWarning,
			Message:  "Citation `" + c + "' on page 1 undefined on input line 5.",
		})
		info.UndefinedCitations = true
	}
	return info
}

func TestAddDatabaseSearchPath(t *testing.T) {
	work := t.TempDir()
	extra := t.TempDir()
	writeFile(t, filepath.Join(extra, "refs.bib"), "@article{a,}\n")

	o := New(work, "", "paper")
	o.AddPath(extra)

	path, ok := o.AddDatabase("refs")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(extra, "refs.bib"), path)
	assert.Equal(t, []string{filepath.Join(extra, "refs.bib")}, o.DatabaseFiles())

	_, ok = o.AddDatabase("nonexistent")
	assert.False(t, ok, "a missing database is not fatal")
}

func TestSetStyleResolvesLocalBst(t *testing.T) {
	work := t.TempDir()
	writeFile(t, filepath.Join(work, "acmconf.bst"), "ENTRY{}\n")

	o := New(work, "", "paper")
	assert.Equal(t, "plain", o.Style())
	assert.Empty(t, o.StyleFile(), "plain.bst is not local here")

	o.SetStyle("acmconf")
	assert.Equal(t, "acmconf", o.Style())
	assert.Equal(t, filepath.Join(work, "acmconf.bst"), o.StyleFile())

	o.SetStyle("alpha")
	assert.Empty(t, o.StyleFile())
}

func TestParseAux(t *testing.T) {
	work := t.TempDir()
	o := New(work, "", "paper")
	writeFile(t, filepath.Join(work, "paper.aux"), strings.Join([]string{
		`\relax`,
		`\citation{zimmer99}`,
		`\citation{abel05}`,
		`\citation{zimmer99}`,
		`\bibdata{refs,extra}`,
		`\bibstyle{plain}`,
	}, "\n"))

	t.Run("sorted", func(t *testing.T) {
		cites, dbs, err := o.ParseAux()
		require.NoError(t, err)
		assert.Equal(t, []string{"abel05", "zimmer99"}, cites)
		assert.Equal(t, []string{"extra", "refs"}, dbs)
	})

	t.Run("appearance order", func(t *testing.T) {
		o.Sorted = false
		cites, _, err := o.ParseAux()
		require.NoError(t, err)
		assert.Equal(t, []string{"zimmer99", "abel05"}, cites)
	})
}

func TestParseAuxIncludedParts(t *testing.T) {
	work := t.TempDir()
	o := New(work, "", "paper")
	writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n\\@input{intro.aux}\n")
	writeFile(t, filepath.Join(work, "intro.aux"), "\\citation{b}\n")
	o.RegisterAux(filepath.Join(work, "intro.aux"))
	o.RegisterAux(filepath.Join(work, "intro.aux")) // duplicate is a no-op

	cites, _, err := o.ParseAux()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cites)
}

func TestParseAuxMissingFileSkipped(t *testing.T) {
	o := New(t.TempDir(), "", "paper")
	cites, dbs, err := o.ParseAux()
	require.NoError(t, err)
	assert.Empty(t, cites)
	assert.Empty(t, dbs)
}

func TestListUndef(t *testing.T) {
	o := New(t.TempDir(), "", "paper")

	log := undefLog("knuth84", "abel05", "knuth84")
	assert.Equal(t, []string{"abel05", "knuth84"}, o.ListUndef(log))
	assert.Nil(t, o.ListUndef(nil))
}

func TestFirstRunNeeded(t *testing.T) {
	base := time.Now().Add(-time.Hour)

	setup := func(t *testing.T) (*Orchestrator, string) {
		work := t.TempDir()
		o := New(work, "", "paper")
		return o, work
	}

	t.Run("no aux means no run", func(t *testing.T) {
		o, _ := setup(t)
		assert.False(t, o.firstRunNeeded())
	})

	t.Run("aux without blg", func(t *testing.T) {
		o, work := setup(t)
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n")
		assert.True(t, o.firstRunNeeded())
	})

	t.Run("database newer than blg", func(t *testing.T) {
		o, work := setup(t)
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n")
		writeFile(t, filepath.Join(work, "refs.bib"), "@book{a,}\n")
		writeFile(t, filepath.Join(work, "paper.blg"), "This is BibTeX\n")
		touch(t, filepath.Join(work, "paper.blg"), base)
		touch(t, filepath.Join(work, "refs.bib"), base.Add(time.Minute))
		_, ok := o.AddDatabase("refs")
		require.True(t, ok)
		assert.True(t, o.firstRunNeeded())

		// Flip the ordering: database older than the transcript.
		touch(t, filepath.Join(work, "refs.bib"), base.Add(-time.Minute))
		assert.False(t, o.firstRunNeeded())
	})

	t.Run("previous run failed", func(t *testing.T) {
		o, work := setup(t)
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n")
		writeFile(t, filepath.Join(work, "paper.blg"),
			"I was expecting a `,' or a `}'---line 3 of file refs.bib\n")
		assert.True(t, o.firstRunNeeded())
	})

	t.Run("style changed since last run", func(t *testing.T) {
		o, work := setup(t)
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n")
		writeFile(t, filepath.Join(work, "paper.blg"), "The style file: alpha.bst\n")
		assert.True(t, o.firstRunNeeded())
	})

	t.Run("style file newer than blg", func(t *testing.T) {
		o, work := setup(t)
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n")
		writeFile(t, filepath.Join(work, "paper.blg"), "The style file: conf.bst\n")
		writeFile(t, filepath.Join(work, "conf.bst"), "ENTRY{}\n")
		touch(t, filepath.Join(work, "paper.blg"), base)
		touch(t, filepath.Join(work, "conf.bst"), base.Add(time.Minute))
		o.SetStyle("conf")
		assert.True(t, o.firstRunNeeded())
	})

	t.Run("everything fresh", func(t *testing.T) {
		o, work := setup(t)
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n")
		writeFile(t, filepath.Join(work, "paper.blg"), "The style file: plain.bst\n")
		assert.False(t, o.firstRunNeeded())
	})
}

func TestNeedsRun(t *testing.T) {
	t.Run("first build with citations", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n\\bibdata{refs}\n")
		assert.True(t, o.NeedsRun(nil), "no blg yet, the tool has never run")
	})

	t.Run("forced by earlier decision", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n")
		o.runNeeded = true
		assert.True(t, o.NeedsRun(nil))
	})

	t.Run("database set changed", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n\\bibdata{refs}\n")
		o.prevLoaded = true
		o.prevDBs = []string{"old"}
		assert.True(t, o.NeedsRun(nil))
		assert.Equal(t, []string{"refs"}, o.prevDBs)
	})

	t.Run("citation list changed", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n\\citation{b}\n")
		o.usedCites = []string{"a"}
		assert.True(t, o.NeedsRun(nil))
		assert.Equal(t, []string{"a", "b"}, o.usedCites)
	})

	t.Run("new undefined citation", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n\\citation{b}\n")
		o.usedCites = []string{"a", "b"}
		o.undefCites = []string{"a"}
		assert.True(t, o.NeedsRun(undefLog("a", "b")))
	})

	t.Run("same undefined citations persist", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n")
		o.usedCites = []string{"a"}
		o.undefCites = []string{"a"}
		assert.False(t, o.NeedsRun(undefLog("a")),
			"rerunning cannot define a citation the databases lack")
	})

	t.Run("undefined citations resolved", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n")
		writeFile(t, filepath.Join(work, "paper.blg"), "This is BibTeX\n")
		o.usedCites = []string{"a"}
		o.undefCites = []string{"a"}
		assert.False(t, o.NeedsRun(&tex.LogInfo{}))
		assert.Empty(t, o.undefCites)
	})

	t.Run("blg older than engine log", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		base := time.Now().Add(-time.Hour)
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n")
		writeFile(t, filepath.Join(work, "paper.blg"), "This is BibTeX\n")
		writeFile(t, filepath.Join(work, "paper.log"), "transcript\n")
		touch(t, filepath.Join(work, "paper.blg"), base)
		touch(t, filepath.Join(work, "paper.log"), base.Add(time.Minute))
		o.usedCites = []string{"a"}
		assert.True(t, o.NeedsRun(undefLog("a")))
	})

	t.Run("stable state", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		base := time.Now().Add(-time.Hour)
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n")
		writeFile(t, filepath.Join(work, "paper.blg"), "This is BibTeX\n")
		writeFile(t, filepath.Join(work, "paper.log"), "transcript\n")
		touch(t, filepath.Join(work, "paper.log"), base)
		touch(t, filepath.Join(work, "paper.blg"), base.Add(time.Minute))
		o.usedCites = []string{"a"}
		assert.False(t, o.NeedsRun(&tex.LogInfo{}))
	})
}

func TestRun(t *testing.T) {
	t.Run("invocation shape", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		stub := &stubRunner{}

		require.NoError(t, o.Run(context.Background(), stub))
		require.Len(t, stub.commands, 1)
		cmd := stub.commands[0]
		assert.Equal(t, "bibtex", cmd.Binary)
		assert.Equal(t, []string{"--min-crossrefs=100", "paper"}, cmd.Arguments)
		assert.Equal(t, work, cmd.WorkingDirectory)
		assert.Empty(t, cmd.Environment, "no extra paths, no env override")
	})

	t.Run("search paths exported with inherited tail", func(t *testing.T) {
		work := t.TempDir()
		extra := t.TempDir()
		t.Setenv("BIBINPUTS", "/inherited/bib")
		o := New(work, "", "paper")
		o.AddPath(extra)
		stub := &stubRunner{}

		require.NoError(t, o.Run(context.Background(), stub))
		require.Len(t, stub.commands, 1)
		sep := string(os.PathListSeparator)
		want := "BIBINPUTS=" + work + sep + extra + sep + "/inherited/bib"
		assert.Contains(t, stub.commands[0].Environment, want)
	})

	t.Run("unset inherited value leaves trailing separator", func(t *testing.T) {
		work := t.TempDir()
		t.Setenv("BSTINPUTS", "")
		o := New(work, "", "paper")
		o.AddStylePath(t.TempDir())
		stub := &stubRunner{}

		require.NoError(t, o.Run(context.Background(), stub))
		var bst string
		for _, kv := range stub.commands[0].Environment {
			if strings.HasPrefix(kv, "BSTINPUTS=") {
				bst = kv
			}
		}
		require.NotEmpty(t, bst)
		assert.True(t, strings.HasSuffix(bst, string(os.PathListSeparator)),
			"trailing empty entry keeps the default search path appended")
	})

	t.Run("failure surfaces blg errors", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		writeFile(t, filepath.Join(work, "paper.blg"),
			"I was expecting a `,' or a `}'---line 3 of file refs.bib\n")
		stub := &stubRunner{exitCode: 2}

		err := o.Run(context.Background(), stub)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "errors making the bibliography")
	})

	t.Run("killed run is an error", func(t *testing.T) {
		o := New(t.TempDir(), "", "paper")
		stub := &stubRunner{killed: true}

		err := o.Run(context.Background(), stub)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "killed")
	})

	t.Run("success clears the pending flag", func(t *testing.T) {
		o := New(t.TempDir(), "", "paper")
		o.runNeeded = true
		stub := &stubRunner{}

		require.NoError(t, o.Run(context.Background(), stub))
		assert.False(t, o.runNeeded)
	})

	t.Run("biber takes no crossref flag", func(t *testing.T) {
		o := New(t.TempDir(), "", "paper")
		o.Tool = "biber"
		stub := &stubRunner{}

		require.NoError(t, o.Run(context.Background(), stub))
		assert.Equal(t, []string{"paper"}, stub.commands[0].Arguments)
	})
}

func TestPreCompile(t *testing.T) {
	t.Run("defers to a scheduled engine pass", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n\\bibdata{refs}\n")
		stub := &stubRunner{}

		recompile, err := o.PreCompile(context.Background(), stub, nil, true)
		require.NoError(t, err)
		assert.True(t, recompile)
		assert.Empty(t, stub.commands, "the tool waits for the engine to rewrite the aux")
		assert.True(t, o.runNeeded, "the pending run survives for the post-compile check")
		assert.Equal(t, []string{"a"}, o.usedCites)
		assert.Equal(t, []string{"refs"}, o.prevDBs)
	})

	t.Run("runs the tool when the engine is idle", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n")
		stub := &stubRunner{}

		recompile, err := o.PreCompile(context.Background(), stub, nil, false)
		require.NoError(t, err)
		assert.True(t, recompile)
		require.Len(t, stub.commands, 1)
		assert.False(t, o.runNeeded)
	})

	t.Run("tool failure propagates", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n")
		stub := &stubRunner{exitCode: 1}

		_, err := o.PreCompile(context.Background(), stub, nil, false)
		require.Error(t, err)
	})

	t.Run("hand-run bibliography forces recompilation", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		base := time.Now().Add(-time.Hour)
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n")
		writeFile(t, filepath.Join(work, "paper.blg"), "This is BibTeX\n")
		writeFile(t, filepath.Join(work, "paper.log"), "transcript\n")
		writeFile(t, filepath.Join(work, "paper.bbl"), "\\bibitem{a}\n")
		touch(t, filepath.Join(work, "paper.log"), base)
		touch(t, filepath.Join(work, "paper.bbl"), base.Add(time.Minute))
		stub := &stubRunner{}

		recompile, err := o.PreCompile(context.Background(), stub, nil, false)
		require.NoError(t, err)
		assert.True(t, recompile)
		assert.Empty(t, stub.commands)
	})

	t.Run("nothing to do", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		base := time.Now().Add(-time.Hour)
		writeFile(t, filepath.Join(work, "paper.aux"), "\\citation{a}\n")
		writeFile(t, filepath.Join(work, "paper.blg"), "This is BibTeX\n")
		writeFile(t, filepath.Join(work, "paper.log"), "transcript\n")
		writeFile(t, filepath.Join(work, "paper.bbl"), "\\bibitem{a}\n")
		touch(t, filepath.Join(work, "paper.bbl"), base)
		touch(t, filepath.Join(work, "paper.log"), base.Add(time.Minute))
		stub := &stubRunner{}

		recompile, err := o.PreCompile(context.Background(), stub, nil, false)
		require.NoError(t, err)
		assert.False(t, recompile)
	})

	t.Run("undefined citations loaded from the previous transcript", func(t *testing.T) {
		work := t.TempDir()
		o := New(work, "", "paper")
		_, err := o.PreCompile(context.Background(), &stubRunner{}, undefLog("x"), true)
		require.NoError(t, err)
		assert.Equal(t, []string{"x"}, o.undefCites)
	})
}

func TestClean(t *testing.T) {
	work := t.TempDir()
	o := New(work, "", "paper")
	writeFile(t, filepath.Join(work, "paper.bbl"), "x")
	writeFile(t, filepath.Join(work, "paper.blg"), "x")

	removed := o.Clean()
	assert.Len(t, removed, 2)
	assert.NoFileExists(t, filepath.Join(work, "paper.bbl"))
	assert.NoFileExists(t, filepath.Join(work, "paper.blg"))

	assert.Empty(t, o.Clean(), "second clean finds nothing")
}
