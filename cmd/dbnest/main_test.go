package main

import "testing"

func TestRootHasAllSubcommands(t *testing.T) {
	root := buildRoot()
	want := []string{
		"serve", "create", "list", "status", "start", "stop", "rm",
		"credentials", "check", "autostart", "reconcile", "killall", "events",
	}
	have := make(map[string]bool)
	for _, c := range root.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Fatalf("missing subcommand %q", name)
		}
	}
}

func TestCreateRequiresEngine(t *testing.T) {
	root := buildRoot()
	root.SetArgs([]string{"create"})
	if err := root.Execute(); err == nil {
		t.Fatal("create without --engine accepted")
	}
}

func TestPidColumn(t *testing.T) {
	if pidCol(0) != "-" || pidCol(42) != "42" {
		t.Fatal("pid column formatting")
	}
}
