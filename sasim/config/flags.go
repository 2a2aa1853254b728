// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	ksa "gvisor.dev/upcalls/pkg/sentry/kernel/sa"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	def := ksa.DefaultConfig()

	flagSet.String("config", "", "TOML file of flag values used in place of the defaults. Flags given on the command line take precedence.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.String("log", "", "file path where logs are written, default is stderr. %TIMESTAMP%, %COMMAND% and %SCENARIO% are expanded.")

	// Simulated machine.
	flagSet.Int("ncpu", 2, "hardware parallelism of the simulated machine.")
	flagSet.Uint64("mem-size", 16<<20, "size in bytes of the simulated address space.")
	flagSet.Int("parallel", 0, "number of scenarios to run at once. 0 means no limit.")

	// Runtime tunables.
	flagSet.Int("stacks-per-vp", def.StacksPerVP, "upcall stacks allowed per requested virtual processor.")
	flagSet.Int("cache-target", def.CacheTarget, "suspended contexts each virtual processor keeps ready to replace a blocking occupant.")
	flagSet.Int("max-vps", def.MaxVPs, "cap on the requested concurrency. 0 means no cap beyond the hardware.")
	flagSet.Int("max-events", def.MaxEvents, "cap on live upcall events. 0 means unlimited.")
	flagSet.Int("event-free-list", def.EventFreeList, "spare upcall events kept per virtual processor.")
	flagSet.Duration("refill-backoff", def.RefillBackoff, "maximum time spent retrying context allocation for a cache refill. 0 disables retries.")
	flagSet.Duration("log-every", def.LogEvery, "minimum interval between warnings on degraded paths.")
}

// NewFromFlags creates a new Config with values coming from command line flags
// and, if --config is set, from the named file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		if err := applyFile(flagSet, fl.Value.String()); err != nil {
			return nil, err
		}
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// applyFile sets every flag named in the TOML file at path that was not
// given on the command line.
func applyFile(flagSet *flag.FlagSet, path string) error {
	var values map[string]any
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}

	explicit := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		explicit[fl.Name] = true
	})
	for name, v := range values {
		if name == "config" {
			return fmt.Errorf("config file %q: nested config files are not supported", path)
		}
		if flagSet.Lookup(name) == nil {
			return fmt.Errorf("config file %q: unknown flag %q", path, name)
		}
		if explicit[name] {
			continue
		}
		switch v.(type) {
		case bool, int64, float64, string:
		default:
			return fmt.Errorf("config file %q: flag %q has unsupported value %v", path, name, v)
		}
		if err := flagSet.Set(name, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("config file %q: %w", path, err)
		}
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
