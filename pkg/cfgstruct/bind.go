// Package cfgstruct binds a Go struct's fields to pflag flags by
// reflection: field names become dash-case flag names, a `default` tag
// supplies the flag's default (with `$CONFDIR`/`${CONFDIR}` substitution),
// and a `hidden` tag removes the flag from generated config-file output
// without removing it from the command line. Nested structs and fixed-size
// arrays of structs are walked recursively, flattening into
// `struct.field` / `fields.03.field` flag names.
package cfgstruct

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// BindOpt configures a Bind call.
type BindOpt func(*bindOpts)

type bindOpts struct {
	confDir       string
	confDirNested bool
}

// ConfDir substitutes $CONFDIR/${CONFDIR} in default tags with dir.
func ConfDir(dir string) BindOpt {
	return func(o *bindOpts) { o.confDir = dir }
}

// ConfDirNested is like ConfDir, but appends the dash-cased path of
// nested struct fields to dir for each substitution, so sibling
// sub-configs default to sibling subdirectories.
func ConfDirNested(dir string) BindOpt {
	return func(o *bindOpts) {
		o.confDir = dir
		o.confDirNested = true
	}
}

// Bind walks config (a pointer to a struct) and registers one flag per
// leaf field on flags.
func Bind(flags *pflag.FlagSet, config interface{}, opts ...BindOpt) {
	var o bindOpts
	for _, opt := range opts {
		opt(&o)
	}
	bindStruct(flags, "", reflect.ValueOf(config).Elem(), &o, nil)
}

func dashCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

func bindStruct(flags *pflag.FlagSet, prefix string, v reflect.Value, o *bindOpts, pathParts []string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}
		fv := v.Field(i)
		name := dashCase(field.Name)
		flagName := name
		if prefix != "" {
			flagName = prefix + "." + name
		}

		switch fv.Kind() {
		case reflect.Struct:
			bindStruct(flags, flagName, fv, o, append(pathParts, name))
			continue
		case reflect.Array:
			for idx := 0; idx < fv.Len(); idx++ {
				elem := fv.Index(idx)
				if elem.Kind() != reflect.Struct {
					continue
				}
				elemName := fmt.Sprintf("%s.%02d", flagName, idx)
				bindStruct(flags, elemName, elem, o, append(pathParts, name))
			}
			continue
		}

		def := field.Tag.Get("default")
		def = substituteConfDir(def, o, pathParts)
		hidden := field.Tag.Get("hidden") == "true"
		usage := field.Tag.Get("usage")

		bindLeaf(flags, flagName, fv, def, usage)
		if hidden {
			_ = flags.MarkHidden(flagName)
		}
	}
}

func substituteConfDir(def string, o *bindOpts, pathParts []string) string {
	if o.confDir == "" || !strings.Contains(def, "CONFDIR") {
		return def
	}
	dir := o.confDir
	if o.confDirNested && len(pathParts) > 0 {
		dir = filepath.Join(append([]string{o.confDir}, pathParts...)...)
	}
	def = strings.ReplaceAll(def, "${CONFDIR}", dir)
	def = strings.ReplaceAll(def, "$CONFDIR", dir)
	return def
}

func bindLeaf(flags *pflag.FlagSet, name string, fv reflect.Value, def, usage string) {
	addr := fv.Addr().Interface()
	switch p := addr.(type) {
	case *string:
		flags.StringVar(p, name, def, usage)
	case *bool:
		b, _ := strconv.ParseBool(orZero(def, "false"))
		flags.BoolVar(p, name, b, usage)
	case *int:
		n, _ := strconv.Atoi(orZero(def, "0"))
		flags.IntVar(p, name, n, usage)
	case *int64:
		n, _ := strconv.ParseInt(orZero(def, "0"), 10, 64)
		flags.Int64Var(p, name, n, usage)
	case *uint:
		n, _ := strconv.ParseUint(orZero(def, "0"), 10, 64)
		flags.UintVar(p, name, uint(n), usage)
	case *uint64:
		n, _ := strconv.ParseUint(orZero(def, "0"), 10, 64)
		flags.Uint64Var(p, name, n, usage)
	case *float64:
		f, _ := strconv.ParseFloat(orZero(def, "0"), 64)
		flags.Float64Var(p, name, f, usage)
	case *time.Duration:
		d, _ := time.ParseDuration(orZero(def, "0s"))
		flags.DurationVar(p, name, d, usage)
	default:
		panic(fmt.Sprintf("cfgstruct: unsupported field type %T for flag %q", addr, name))
	}
}

func orZero(s, zero string) string {
	if s == "" {
		return zero
	}
	return s
}
