// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds configuration structs to flags using field tags.
package cfgstruct

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Bind sets flags on a FlagSet from the fields of config, which must be a
// pointer to a struct. Flag names are the kebab-cased field names, nested
// structs contribute a dotted prefix. Supported tags:
//
//	help    flag usage text
//	default initial value when the flag is not set
//	hidden  "true" hides the flag from usage output
func Bind(flags *pflag.FlagSet, config interface{}) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("invalid config type: %T, expected a pointer to a struct", config))
	}
	value := ptr.Elem()
	if value.Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %T, expected a pointer to a struct", config))
	}
	bindValue(flags, "", value)
}

func bindValue(flags *pflag.FlagSet, prefix string, value reflect.Value) {
	typ := value.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if field.PkgPath != "" {
			continue
		}
		fieldValue := value.Field(i)
		name := prefix + kebabCase(field.Name)

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			bindValue(flags, name+".", fieldValue)
			continue
		}

		help := field.Tag.Get("help")
		def := field.Tag.Get("default")
		bindField(flags, name, help, def, fieldValue)

		if field.Tag.Get("hidden") == "true" {
			_ = flags.MarkHidden(name)
		}
	}
}

func bindField(flags *pflag.FlagSet, name, help, def string, value reflect.Value) {
	addr := value.Addr().Interface()
	switch target := addr.(type) {
	case *time.Duration:
		flags.DurationVar(target, name, mustDuration(name, def), help)
	case *string:
		flags.StringVar(target, name, def, help)
	case *bool:
		flags.BoolVar(target, name, mustBool(name, def), help)
	case *int:
		flags.IntVar(target, name, int(mustInt(name, def)), help)
	case *int64:
		flags.Int64Var(target, name, mustInt(name, def), help)
	case *uint:
		flags.UintVar(target, name, uint(mustUint(name, def)), help)
	case *uint64:
		flags.Uint64Var(target, name, mustUint(name, def), help)
	case *float64:
		flags.Float64Var(target, name, mustFloat(name, def), help)
	case *[]string:
		flags.StringSliceVar(target, name, splitDefault(def), help)
	default:
		panic(fmt.Sprintf("invalid field type %s for flag %q", value.Type(), name))
	}
}

func mustDuration(name, def string) time.Duration {
	if def == "" {
		return 0
	}
	parsed, err := time.ParseDuration(def)
	if err != nil {
		panic(fmt.Sprintf("invalid default for flag %q: %v", name, err))
	}
	return parsed
}

func mustBool(name, def string) bool {
	if def == "" {
		return false
	}
	parsed, err := strconv.ParseBool(def)
	if err != nil {
		panic(fmt.Sprintf("invalid default for flag %q: %v", name, err))
	}
	return parsed
}

func mustInt(name, def string) int64 {
	if def == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(def, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid default for flag %q: %v", name, err))
	}
	return parsed
}

func mustUint(name, def string) uint64 {
	if def == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(def, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid default for flag %q: %v", name, err))
	}
	return parsed
}

func mustFloat(name, def string) float64 {
	if def == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(def, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid default for flag %q: %v", name, err))
	}
	return parsed
}

func splitDefault(def string) []string {
	if def == "" {
		return nil
	}
	return strings.Split(def, ",")
}

// kebabCase converts CamelCase field names to kebab-case flag names,
// keeping initialisms like ID intact as single words.
func kebabCase(name string) string {
	var out []rune
	runes := []rune(name)
	for i, r := range runes {
		if 'A' <= r && r <= 'Z' {
			boundary := i > 0 && (runes[i-1] < 'A' || runes[i-1] > 'Z' ||
				(i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'))
			if boundary {
				out = append(out, '-')
			}
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}
