// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ParseContextSettings parses settings, typically the value of a "--set" flag, into the context parameters.
// The settings are a list separated by ";": e.g.: "latent_dim=32;num_clusters=5".
//
// Every parameter must already be set with a default value in the root of ctx: the default value gives the
// type the string is parsed to. A scope can also be given, as in "/encoder/vae_l2=0.1", as long as a default
// "vae_l2" is defined in the root.
//
// For integer types "_" is removed, so large numbers can be written as 1_000_000.
//
// A setting "file:<path>" reads the settings from a file, with one or more settings per line and lines
// starting with "#" ignored.
//
// It returns the list of parameters set, in order.
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) ([]string, error) {
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		return parseSettingsFile(ctx, filePath, paramsSet)
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return paramsSet, errors.Errorf("can't parse setting %q: the format is \"<param>=<value>\"", setting)
	}
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		return paramsSet, errors.Errorf("can't set parameter %q: scopes must be absolute (start with %q)",
			paramPath, context.ScopeSeparator)
	}
	defaultValue, found := ctx.GetParam(paramName)
	if !found {
		return paramsSet, errors.Errorf("can't set parameter %q: %q is not a known parameter", paramPath, paramName)
	}
	value, err := parseParamValue(defaultValue, valueStr)
	if err != nil {
		return paramsSet, errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
	}
	ctxInScope := ctx
	if paramScope != "" {
		ctxInScope = ctx.InAbsPath(paramScope)
	}
	ctxInScope.SetParam(paramName, value)
	return append(paramsSet, paramPath), nil
}

func parseSettingsFile(ctx *context.Context, filePath string, paramsSet []string) ([]string, error) {
	if rest, found := strings.CutPrefix(filePath, "~/"); found {
		home, err := os.UserHomeDir()
		if err != nil {
			return paramsSet, errors.Wrap(err, "can't expand \"~\" in settings file path")
		}
		filePath = filepath.Join(home, rest)
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return paramsSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, setting := range strings.Split(line, ";") {
			paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet)
			if err != nil {
				return paramsSet, err
			}
		}
	}
	return paramsSet, nil
}

// parseParamValue parses valueStr to the type of defaultValue.
func parseParamValue(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return unmarshalNumber[int](valueStr)
	case int64:
		return unmarshalNumber[int64](valueStr)
	case uint64:
		return unmarshalNumber[uint64](valueStr)
	case float64:
		return unmarshalJSON[float64](valueStr)
	case float32:
		return unmarshalJSON[float32](valueStr)
	case bool:
		return unmarshalJSON[bool](valueStr)
	case string:
		return valueStr, nil
	case []string:
		return strings.Split(valueStr, ","), nil
	case []int:
		return unmarshalList(valueStr, unmarshalNumber[int])
	case []float64:
		return unmarshalList(valueStr, unmarshalJSON[float64])
	default:
		return nil, errors.Errorf("don't know how to parse parameters of type %T", defaultValue)
	}
}

func unmarshalJSON[T any](valueStr string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(valueStr), &v)
	return v, errors.WithStack(err)
}

func unmarshalNumber[T int | int64 | uint64](valueStr string) (T, error) {
	return unmarshalJSON[T](strings.ReplaceAll(valueStr, "_", ""))
}

func unmarshalList[T any](valueStr string, parseFn func(string) (T, error)) ([]T, error) {
	parts := strings.Split(valueStr, ",")
	values := make([]T, 0, len(parts))
	for _, part := range parts {
		v, err := parseFn(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// ContextSettingsUsage describes the settings flag, listing the parameters defined in the root of ctx with
// their default values.
func ContextSettingsUsage(ctx *context.Context) string {
	parts := []string{
		`Set hyperparameters as a list of "param=value" separated by ";". ` +
			`Scoped settings start with "/", e.g. "/encoder/vae_l2=0.1". ` +
			`"file:<path>" reads settings from a file, one or more per line, "#" starting a comment. ` +
			`Available parameters:`,
	}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("  %q: default value is %v", key, value))
	})
	return strings.Join(parts, "\n")
}

// SprintContextSettings pretty-prints all hyperparameters.
func SprintContextSettings(ctx *context.Context) string {
	var parts []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			scope = ""
		}
		parts = append(parts, fmt.Sprintf("\t\"%s/%s\": (%T) %v", scope, key, value, value))
	})
	return strings.Join(parts, "\n")
}

// SprintModifiedContextSettings pretty-prints the hyperparameters in paramsSet, as returned by
// ParseContextSettings.
func SprintModifiedContextSettings(ctx *context.Context, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	var parts []string
	for _, paramPath := range paramsSet {
		paramScope, paramName := context.SplitScope(paramPath)
		if paramScope == "" {
			paramScope = context.RootScope
		}
		value, found := ctx.InAbsPath(paramScope).GetParam(paramName)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", paramPath, value, value))
	}
	return strings.Join(parts, "\n")
}
