// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command gen-schema writes the JSON Schema for gatekeeper seed documents,
// by default to schemas/seed.schema.json.
//
// The committed file is what editors point at (for example through a
// yaml-language-server $schema comment) to validate seed YAML before it
// reaches `gatekeeper seed`. internal/seed compiles the same schema in
// memory for ValidateSchema, and TestGenerateSchema_MatchesCommittedCopy
// fails when the committed file drifts from the seed document types.
//
// Usage:
//
//	go run ./cmd/gen-schema [output-path]
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/holomush/gatekeeper/internal/seed"
)

const defaultOutput = "schemas/seed.schema.json"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	schema, err := seed.GenerateSchema()
	if err != nil {
		return fmt.Errorf("generating schema: %w", err)
	}

	outPath := filepath.FromSlash(defaultOutput)
	if len(args) > 0 {
		outPath = args[0]
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := os.WriteFile(outPath, schema, 0o600); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}

	_, err = fmt.Fprintf(stdout, "Generated %s\n", outPath)
	return err
}
