// Command workflow-lint checks workflow definitions before they are uploaded.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zettelhub/platform/autonomy/internal/models"
	"github.com/zettelhub/platform/autonomy/internal/workflow"
)

// document accepts either a bare graph or a stored workflow with a definition.
type document struct {
	Name                 string                `json:"name" yaml:"name"`
	Definition           *models.WorkflowGraph `json:"definition" yaml:"definition"`
	models.WorkflowGraph `yaml:",inline"`
}

func main() {
	quiet := flag.Bool("q", false, "Only report failures")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: workflow-lint [-q] <workflow.yaml|workflow.json>...\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	failed := 0
	for _, path := range flag.Args() {
		if err := lint(path, os.Stdout, *quiet); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func lint(path string, out io.Writer, quiet bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	g, err := parse(path, raw)
	if err != nil {
		return err
	}
	if err := workflow.Validate(g); err != nil {
		var verr *workflow.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%d problem(s):\n  - %s", len(verr.Problems), strings.Join(verr.Problems, "\n  - "))
		}
		return err
	}
	order, err := workflow.TopologicalOrder(g)
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(out, "%s: ok (%d nodes, %d edges) %s\n", path, len(g.Nodes), len(g.Edges), strings.Join(order, " -> "))
	}
	return nil
}

func parse(path string, raw []byte) (models.WorkflowGraph, error) {
	var doc document
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(raw, &doc)
	default:
		err = yaml.Unmarshal(raw, &doc)
	}
	if err != nil {
		return models.WorkflowGraph{}, fmt.Errorf("parse: %w", err)
	}
	if doc.Definition != nil {
		return *doc.Definition, nil
	}
	return doc.WorkflowGraph, nil
}
