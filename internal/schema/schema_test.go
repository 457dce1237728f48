package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestBuildSchema(t *testing.T) {
	root := &cobra.Command{Use: "comboproxy"}
	child := &cobra.Command{Use: "registry", Short: "registry cmds", Aliases: []string{"reg"}}
	leaf := &cobra.Command{Use: "halt", Short: "halt the registry", Annotations: map[string]string{AnnotationMutates: "true"}, RunE: func(*cobra.Command, []string) error { return nil }}
	leaf.Flags().String("agent", "", "agent address")
	_ = leaf.MarkFlagRequired("agent")
	child.AddCommand(leaf)
	root.AddCommand(child)

	s, err := Build(root, "reg halt")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "comboproxy registry halt" || !s.Mutates {
		t.Fatalf("unexpected schema: %+v", s)
	}
	if len(s.Flags) != 1 || s.Flags[0].Name != "agent" || !s.Flags[0].Required {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
	if _, err := Build(root, "registry missing"); err == nil {
		t.Fatal("expected unknown path to fail")
	}
}
