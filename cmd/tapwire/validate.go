// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 tapwire Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/spf13/cobra"

	"github.com/tapwire/tapwire/internal/plugin"
	"github.com/tapwire/tapwire/internal/script"
)

// NewValidateCmd creates the validate subcommand: it checks every
// plugin.yaml under the given directories against the manifest schema
// and confirms its entry script at least parses as Lua and returns a
// table, without running on_load or touching any host API.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [dir...]",
		Short: "Validate plugin manifests and entry scripts",
		Long: `Validate scans each given directory (default: the configured
plugins_dir) for plugin.yaml manifests, checks each against the manifest
JSON Schema, and confirms the referenced entry script parses as Lua and
evaluates to a table. It never runs on_load or any host API call.`,
		RunE: runValidate,
	}
	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dirs := args
	if len(dirs) == 0 {
		dirs = []string{cfg.PluginsDir}
	}

	var failures int
	for _, root := range dirs {
		entries, err := discoverManifests(root)
		if err != nil {
			cmd.PrintErrf("%s: %v\n", root, err)
			failures++
			continue
		}
		for _, dir := range entries {
			if err := validateOne(dir); err != nil {
				cmd.PrintErrf("%s: %v\n", dir, err)
				failures++
				continue
			}
			cmd.Printf("%s: ok\n", dir)
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d plugin(s) failed validation", failures)
	}
	return nil
}

// discoverManifests returns root alone if root itself contains a
// plugin.yaml; otherwise it returns every immediate subdirectory of root
// that contains one.
func discoverManifests(root string) ([]string, error) {
	if _, err := os.Stat(filepath.Join(root, "plugin.yaml")); err == nil {
		return []string{root}, nil
	}

	children, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}

	var dirs []string
	for _, c := range children {
		if !c.IsDir() {
			continue
		}
		candidate := filepath.Join(root, c.Name())
		if _, err := os.Stat(filepath.Join(candidate, "plugin.yaml")); err == nil {
			dirs = append(dirs, candidate)
		}
	}
	return dirs, nil
}

func validateOne(dir string) error {
	manifestPath := filepath.Join(dir, "plugin.yaml")
	data, err := os.ReadFile(filepath.Clean(manifestPath))
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	manifest, err := plugin.ParseManifest(data)
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}

	if err := plugin.ValidateSchema(data); err != nil {
		return fmt.Errorf("schema: %s", plugin.FormatSchemaError(err))
	}

	entryPath := filepath.Join(dir, manifest.Entry)
	code, err := os.ReadFile(filepath.Clean(entryPath))
	if err != nil {
		return fmt.Errorf("reading entry %s: %w", manifest.Entry, err)
	}

	factory := script.NewStateFactory(script.OSNameFromEnv())
	L, err := factory.NewState()
	if err != nil {
		return fmt.Errorf("building sandbox: %w", err)
	}
	defer L.Close()

	if err := L.DoString(string(code)); err != nil {
		return fmt.Errorf("script error: %w", err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	if _, ok := ret.(*lua.LTable); !ok {
		return fmt.Errorf("entry script did not return a table")
	}

	return nil
}
